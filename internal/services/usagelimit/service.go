package usagelimit

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/catstream/capacity-control/internal/pkg/result"
	"github.com/catstream/capacity-control/internal/storage/redis"
	"go.uber.org/zap"
)

const (
	// MaxResetSkew 重置时间与当前时间相差超过该值视为不可信
	MaxResetSkew = 24 * time.Hour
	// ClearGracePeriod 距重置时间不足该值时允许手动清除
	ClearGracePeriod = 60 * time.Second
)

// usageLimitPattern 匹配 "<provider> usage limit reached|<epoch>"
var usageLimitPattern = regexp.MustCompile(`(?i)([\w][\w .-]*?)\s+usage limit reached\|(\d{9,13})\b`)

// Stats 用量限制诊断信息
type Stats struct {
	Active          bool       `json:"active"`
	ResetTime       *time.Time `json:"resetTime,omitempty"`
	TimeRemainingMs int64      `json:"timeRemainingMs"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	SetAt           *time.Time `json:"setAt,omitempty"`
	KeyExists       bool       `json:"keyExists"`
	KeyTTLSeconds   int64      `json:"keyTtlSeconds"`
	FromCache       bool       `json:"fromCache"`
}

// cachedState 最近一次成功读写 Redis 得到的状态
type cachedState struct {
	active    bool
	resetTime time.Time
}

// Service 本地 AI 用量限制服务
type Service struct {
	redis *redis.Client
	now   func() time.Time

	mu    sync.RWMutex
	cache cachedState
}

// NewService 创建用量限制服务
func NewService(redisClient *redis.Client) *Service {
	return &Service{redis: redisClient, now: time.Now}
}

// WithClock 替换时钟（测试用）
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IsUsageLimitError 判断提供商错误文本是否为用量限制错误
func IsUsageLimitError(text string) bool {
	return usageLimitPattern.MatchString(text)
}

// ExtractResetTime 从错误文本中提取重置时间；解析失败或偏离当前时间超过 24 小时返回 false
func ExtractResetTime(text string, now time.Time) (time.Time, bool) {
	m := usageLimitPattern.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}

	epoch, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	var reset time.Time
	if len(m[2]) <= 10 {
		reset = time.Unix(epoch, 0)
	} else {
		reset = time.UnixMilli(epoch)
	}

	skew := reset.Sub(now)
	if skew > MaxResetSkew || skew < -MaxResetSkew {
		logger.Warn("Ignoring implausible usage limit reset time",
			zap.Time("resetTime", reset),
			zap.Duration("skew", skew))
		return time.Time{}, false
	}
	return reset, true
}

// ExtractResetTime 使用服务时钟提取重置时间
func (s *Service) ExtractResetTime(text string) (time.Time, bool) {
	return ExtractResetTime(text, s.now())
}

// SetUsageLimit 记录用量限制；重置时间已过时不写入
func (s *Service) SetUsageLimit(ctx context.Context, resetTime time.Time, message string) error {
	now := s.now()
	if !resetTime.After(now) {
		logger.Debug("Usage limit reset time already passed, skipping",
			zap.Time("resetTime", resetTime))
		return nil
	}

	ttl := redis.TTLUntil(resetTime.UnixMilli(), now)
	rec := &redis.UsageLimitRecord{
		V:            redis.RecordVersion,
		ResetTime:    resetTime.UnixMilli(),
		ErrorMessage: message,
		SetAt:        now.UnixMilli(),
	}
	if err := s.redis.SetUsageLimit(ctx, rec, ttl); err != nil {
		logger.Error("❌ Failed to set usage limit", zap.Error(err))
		return err
	}

	s.remember(true, resetTime)
	logger.Capacity("🚫 AI usage limit recorded",
		zap.Time("resetTime", resetTime),
		zap.Duration("ttl", ttl))
	return nil
}

// RecordProviderError 识别提供商错误并记录用量限制，返回是否识别为用量限制
func (s *Service) RecordProviderError(ctx context.Context, text string) (bool, time.Time, error) {
	if !IsUsageLimitError(text) {
		return false, time.Time{}, nil
	}
	reset, ok := s.ExtractResetTime(text)
	if !ok {
		return false, time.Time{}, nil
	}
	if err := s.SetUsageLimit(ctx, reset, text); err != nil {
		return true, reset, err
	}
	return true, reset, nil
}

// CheckLimitActive 查询限制是否生效；Redis 失败时降级为最近一次已知状态
func (s *Service) CheckLimitActive(ctx context.Context) result.Result[bool] {
	exists, err := s.redis.UsageLimitExists(ctx)
	if err != nil {
		return result.Degraded(s.cachedActive(), err)
	}
	if !exists {
		s.remember(false, time.Time{})
	} else {
		s.mu.Lock()
		s.cache.active = true
		s.mu.Unlock()
	}
	return result.Ok(exists)
}

// IsLimitActive 限制是否生效（可用性读取，失败时使用本地缓存）
func (s *Service) IsLimitActive(ctx context.Context) bool {
	r := s.CheckLimitActive(ctx)
	if r.IsDegraded() {
		logger.Warn("Usage limit check failed, using last known state",
			zap.Bool("cached", r.Value()),
			zap.Error(r.Cause()))
	}
	return r.Value()
}

// GetResetTime 读取重置时间，失败或不存在返回 false
func (s *Service) GetResetTime(ctx context.Context) (time.Time, bool) {
	rec, err := s.redis.GetUsageLimit(ctx)
	if err != nil {
		logger.Warn("Failed to read usage limit reset time", zap.Error(err))
		return time.Time{}, false
	}
	if rec == nil {
		return time.Time{}, false
	}
	reset := time.UnixMilli(rec.ResetTime)
	s.remember(true, reset)
	return reset, true
}

// GetErrorMessage 读取原始错误信息，失败或不存在返回 false
func (s *Service) GetErrorMessage(ctx context.Context) (string, bool) {
	rec, err := s.redis.GetUsageLimit(ctx)
	if err != nil {
		logger.Warn("Failed to read usage limit message", zap.Error(err))
		return "", false
	}
	if rec == nil {
		return "", false
	}
	return rec.ErrorMessage, true
}

// ClearLimit 手动清除限制，仅在重置时间已到或剩余不足 60 秒时生效；返回是否清除
func (s *Service) ClearLimit(ctx context.Context) (bool, error) {
	rec, err := s.redis.GetUsageLimit(ctx)
	if err != nil {
		return false, err
	}
	if rec == nil {
		s.remember(false, time.Time{})
		return false, nil
	}

	now := s.now()
	reset := time.UnixMilli(rec.ResetTime)
	if now.Before(reset.Add(-ClearGracePeriod)) {
		logger.Info("Refusing to clear usage limit before reset",
			zap.Time("resetTime", reset),
			zap.Duration("remaining", reset.Sub(now)))
		return false, nil
	}

	if err := s.redis.DeleteUsageLimit(ctx); err != nil {
		return false, err
	}
	s.remember(false, time.Time{})
	logger.Capacity("✅ Usage limit cleared", zap.Time("resetTime", reset))
	return true, nil
}

// ForceClearLimit 无条件清除限制（管理员操作）
func (s *Service) ForceClearLimit(ctx context.Context) error {
	if err := s.redis.DeleteUsageLimit(ctx); err != nil {
		logger.Error("❌ Failed to force clear usage limit", zap.Error(err))
		return err
	}
	s.remember(false, time.Time{})
	logger.Capacity("⚠️ Usage limit force cleared")
	return nil
}

// GetUsageLimitStats 诊断信息；Redis 不可用时返回本地缓存
func (s *Service) GetUsageLimitStats(ctx context.Context) *Stats {
	now := s.now()
	rec, err := s.redis.GetUsageLimit(ctx)
	if err != nil {
		logger.Warn("Failed to read usage limit stats", zap.Error(err))
		return s.statsFromCache(now)
	}

	stats := &Stats{}
	if rec != nil {
		reset := time.UnixMilli(rec.ResetTime)
		setAt := time.UnixMilli(rec.SetAt)
		stats.Active = true
		stats.ResetTime = &reset
		stats.SetAt = &setAt
		stats.ErrorMessage = rec.ErrorMessage
		if remaining := reset.Sub(now); remaining > 0 {
			stats.TimeRemainingMs = remaining.Milliseconds()
		}
	}

	if keyStat, err := s.redis.UsageLimitKeyStat(ctx); err == nil {
		stats.KeyExists = keyStat.Exists
		stats.KeyTTLSeconds = int64(keyStat.TTL / time.Second)
	}
	return stats
}

func (s *Service) statsFromCache(now time.Time) *Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{Active: s.cache.active, FromCache: true}
	if s.cache.active && !s.cache.resetTime.IsZero() {
		reset := s.cache.resetTime
		stats.ResetTime = &reset
		if remaining := reset.Sub(now); remaining > 0 {
			stats.TimeRemainingMs = remaining.Milliseconds()
		}
	}
	return stats
}

func (s *Service) remember(active bool, resetTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = cachedState{active: active, resetTime: resetTime}
}

// cachedActive 缓存的状态；已知重置时间已过时视为未限制
func (s *Service) cachedActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.cache.active {
		return false
	}
	if !s.cache.resetTime.IsZero() && !s.now().Before(s.cache.resetTime) {
		return false
	}
	return true
}
