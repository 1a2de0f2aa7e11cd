package globallimit

import (
	"context"
	"time"

	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/catstream/capacity-control/internal/storage/redis"
	"go.uber.org/zap"
)

// LimitInfo 全局限流信息
type LimitInfo struct {
	Provider string    `json:"provider"`
	Region   string    `json:"region"`
	ResetAt  time.Time `json:"resetAt"`
	SetBy    string    `json:"setBy"`
	Message  string    `json:"message,omitempty"`
}

// Service 按提供商/区域共享的全局限流标记，所有服务器可见
type Service struct {
	redis    *redis.Client
	serverID string
	now      func() time.Time
}

// NewService 创建全局限流服务
func NewService(redisClient *redis.Client, serverID string) *Service {
	return &Service{redis: redisClient, serverID: serverID, now: time.Now}
}

// WithClock 替换时钟（测试用）
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SetProviderLimit 设置全局限流，重置时间已过时不写入
func (s *Service) SetProviderLimit(ctx context.Context, provider, region string, resetAt time.Time, message string) error {
	now := s.now()
	if !resetAt.After(now) {
		return nil
	}

	rec := &redis.GlobalProviderLimit{
		V:        redis.RecordVersion,
		Provider: provider,
		Region:   region,
		ResetAt:  resetAt.UnixMilli(),
		SetBy:    s.serverID,
		Message:  message,
		SetAt:    now.UnixMilli(),
	}
	if err := s.redis.SetGlobalLimit(ctx, rec, redis.TTLUntil(rec.ResetAt, now)); err != nil {
		logger.Error("❌ Failed to set global provider limit",
			zap.String("provider", provider),
			zap.String("region", region),
			zap.Error(err))
		return err
	}

	logger.Capacity("🌐 Global provider limit set",
		zap.String("provider", provider),
		zap.String("region", region),
		zap.Time("resetAt", resetAt))
	return nil
}

// IsProviderLimited 提供商/区域是否处于全局限流（读取失败时视为未限流）
func (s *Service) IsProviderLimited(ctx context.Context, provider, region string) bool {
	limited, err := s.redis.GlobalLimitExists(ctx, provider, region)
	if err != nil {
		logger.Warn("Failed to check global provider limit",
			zap.String("provider", provider),
			zap.String("region", region),
			zap.Error(err))
		return false
	}
	return limited
}

// GetProviderLimitInfo 读取全局限流详情，不存在返回 nil
func (s *Service) GetProviderLimitInfo(ctx context.Context, provider, region string) (*LimitInfo, error) {
	rec, err := s.redis.GetGlobalLimit(ctx, provider, region)
	if err != nil || rec == nil {
		return nil, err
	}
	return toInfo(rec), nil
}

// GetAllLimitedProviders 所有仍在限流中的提供商/区域
func (s *Service) GetAllLimitedProviders(ctx context.Context) ([]LimitInfo, error) {
	recs, err := s.redis.ScanGlobalLimits(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]LimitInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, *toInfo(rec))
	}
	return infos, nil
}

// ClearProviderLimit 清除全局限流，返回是否存在
func (s *Service) ClearProviderLimit(ctx context.Context, provider, region string) (bool, error) {
	cleared, err := s.redis.DeleteGlobalLimit(ctx, provider, region)
	if err != nil {
		return false, err
	}
	if cleared {
		logger.Capacity("✅ Global provider limit cleared",
			zap.String("provider", provider),
			zap.String("region", region),
			zap.String("by", s.serverID))
	}
	return cleared, nil
}

func toInfo(rec *redis.GlobalProviderLimit) *LimitInfo {
	return &LimitInfo{
		Provider: rec.Provider,
		Region:   rec.Region,
		ResetAt:  time.UnixMilli(rec.ResetAt),
		SetBy:    rec.SetBy,
		Message:  rec.Message,
	}
}
