package redis

import "time"

// Key 前缀常量 - 多个服务进程共享
const (
	// AI 容量
	KeyUsageLimit     = "ai:usage_limit"
	PrefixGlobalLimit = "ai:global_limit:"

	// 队列暂停状态（后接队列名）
	PrefixQueue          = "queue:"
	SuffixPauseState     = ":pause_state"
	SuffixPauseReason    = ":pause_reason"
	SuffixPauseGen       = ":pause_generation"
	SuffixPauseLock      = ":pause_lock"
	PrefixJobQueue       = "jobqueue:"
	PrefixServerHealth   = "server:health:"
	PrefixDegradedMarker = "server:degraded_since:"
)

// TTL 常量
const (
	TTLMinRecord      = time.Second      // 带 TTL 记录的最小存活时间
	TTLDegradedMarker = 15 * time.Minute // 降级标记，持续降级期间不断续期
	TTLPauseLock      = 10 * time.Second // 暂停/恢复串行化锁
)

// 保留数量配置
const (
	JobsKeepCompleted = 1000 // completed 列表保留条数
	JobsKeepFailed    = 1000 // failed 列表保留条数
	JobsPromoteBatch  = 100  // 每次提升到期延迟任务的数量
)

// PauseStateKey 队列暂停状态 key
func PauseStateKey(queueName string) string {
	return PrefixQueue + queueName + SuffixPauseState
}

// PauseReasonKey 队列暂停原因 key
func PauseReasonKey(queueName string) string {
	return PrefixQueue + queueName + SuffixPauseReason
}

// PauseGenerationKey 暂停代数计数器 key（不过期）
func PauseGenerationKey(queueName string) string {
	return PrefixQueue + queueName + SuffixPauseGen
}

// PauseLockKey 暂停/恢复操作锁 key
func PauseLockKey(queueName string) string {
	return PrefixQueue + queueName + SuffixPauseLock
}

// GlobalLimitKey 提供商/区域全局限流 key
func GlobalLimitKey(provider, region string) string {
	return PrefixGlobalLimit + provider + ":" + region
}

// ServerHealthKey 单服务器健康快照 key
func ServerHealthKey(serverID string) string {
	return PrefixServerHealth + serverID
}

// DegradedMarkerKey 单服务器降级标记 key
func DegradedMarkerKey(serverID string) string {
	return PrefixDegradedMarker + serverID
}
