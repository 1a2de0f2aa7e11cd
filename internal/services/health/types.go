package health

import (
	"time"

	"github.com/catstream/capacity-control/internal/storage/redis"
)

// Status 服务器健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ProviderCapacity 单个提供商/区域的容量
type ProviderCapacity struct {
	Provider  string `json:"provider"`
	Region    string `json:"region"`
	Available bool   `json:"available"`
	LimitType string `json:"limitType"`
}

// CapacitySummary AI 容量摘要
type CapacitySummary struct {
	Available     bool               `json:"available"`
	LocalLimited  bool               `json:"localLimited"`
	TotalLimited  int                `json:"totalLimited"`
	NextResetTime *time.Time         `json:"nextResetTime,omitempty"`
	Providers     []ProviderCapacity `json:"providers"`
}

// RedisMetrics Redis 连接与延迟
type RedisMetrics struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latencyMs"`
}

// SystemMetrics 进程资源
type SystemMetrics struct {
	RSSBytes       uint64  `json:"rssBytes"`
	HeapAllocBytes uint64  `json:"heapAllocBytes"`
	Goroutines     int     `json:"goroutines"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	GoVersion      string  `json:"goVersion"`
}

// RegionWorkload 单个区域的构建负载
type RegionWorkload struct {
	Region            string  `json:"region"`
	QueuedBuilds      int     `json:"queuedBuilds"`
	ActiveBuilds      int     `json:"activeBuilds"`
	DequeueP95Seconds float64 `json:"dequeueP95Seconds"`
	RuntimeP95Seconds float64 `json:"runtimeP95Seconds"`
	SuccessRate       float64 `json:"successRate"`
	Finished          int     `json:"finished"`
}

// QueueSummary 后台任务队列摘要
type QueueSummary struct {
	Paused    bool  `json:"paused"`
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Workload 最近构建的负载指标
type Workload struct {
	QueueDepth        int              `json:"queueDepth"`
	QueuedBuilds      int              `json:"queuedBuilds"`
	ActiveBuilds      int              `json:"activeBuilds"`
	DequeueP95Seconds float64          `json:"dequeueP95Seconds"`
	RuntimeP95Seconds float64          `json:"runtimeP95Seconds"`
	SuccessRate       float64          `json:"successRate"`
	SampleSize        int              `json:"sampleSize"`
	Regions           []RegionWorkload `json:"regions"`
	Queue             QueueSummary     `json:"queue"`
}

// Violation 单项 SLO 违规
type Violation struct {
	Name      string  `json:"name"`
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Snapshot 单服务器健康快照（不可变，按心跳写入 Redis）
type Snapshot struct {
	V          int             `json:"v"`
	ServerID   string          `json:"serverId"`
	Status     Status          `json:"status"`
	Timestamp  time.Time       `json:"timestamp"`
	Capacity   CapacitySummary `json:"capacity"`
	Redis      RedisMetrics    `json:"redis"`
	System     SystemMetrics   `json:"system"`
	Workload   Workload        `json:"workload"`
	Violations []Violation     `json:"violations"`
	Fallback   bool            `json:"fallback,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (s *Snapshot) SchemaVersion() int { return s.V }

// ClusterSummary 集群健康汇总
type ClusterSummary struct {
	TotalServers      int        `json:"totalServers"`
	Healthy           int        `json:"healthy"`
	Degraded          int        `json:"degraded"`
	Unhealthy         int        `json:"unhealthy"`
	AnyAICapacity     bool       `json:"anyAiCapacity"`
	TotalActiveBuilds int        `json:"totalActiveBuilds"`
	CriticalIssues    []string   `json:"criticalIssues"`
	Servers           []Snapshot `json:"servers"`
	Timestamp         time.Time  `json:"timestamp"`
}

// DegradedInfo 降级横幅判断
type DegradedInfo struct {
	ShowBanner      bool        `json:"showBanner"`
	DegradedSince   *time.Time  `json:"degradedSince,omitempty"`
	DurationSeconds int         `json:"durationSeconds"`
	ViolationCount  int         `json:"violationCount"`
	Violations      []Violation `json:"violations"`
	CheckedAt       time.Time   `json:"checkedAt"`
	Error           string      `json:"error,omitempty"`
}

func newSnapshot(serverID string, now time.Time) *Snapshot {
	return &Snapshot{
		V:          redis.RecordVersion,
		ServerID:   serverID,
		Status:     StatusHealthy,
		Timestamp:  now,
		Violations: []Violation{},
		Capacity:   CapacitySummary{Providers: []ProviderCapacity{}},
		Workload:   Workload{Regions: []RegionWorkload{}, SuccessRate: 1},
	}
}

// fallbackSnapshot 采集失败时的保守快照
func fallbackSnapshot(serverID string, now time.Time, err error) *Snapshot {
	snap := newSnapshot(serverID, now)
	snap.Status = StatusUnhealthy
	snap.Fallback = true
	snap.Error = err.Error()
	return snap
}
