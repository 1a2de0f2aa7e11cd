package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/catstream/capacity-control/internal/config"
	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/catstream/capacity-control/internal/pkg/result"
	"github.com/catstream/capacity-control/internal/services/globallimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// MinRetryAfterSeconds 对外返回的最小重试间隔，避免客户端立即重试
	MinRetryAfterSeconds = 5
	// RetryLaterThresholdSeconds 等待不超过该值时建议客户端重试，否则建议排队
	RetryLaterThresholdSeconds = 300
)

// LimitType 限流来源
type LimitType string

const (
	LimitNone   LimitType = "none"
	LimitLocal  LimitType = "local"
	LimitGlobal LimitType = "global"
	LimitBoth   LimitType = "both"
)

// Recommendation 给调用方的处理建议
type Recommendation string

const (
	RecommendProceed    Recommendation = "proceed"
	RecommendRetryLater Recommendation = "retry_later"
	RecommendQueue      Recommendation = "queue"
)

// Check 单个提供商/区域的容量结论
type Check struct {
	Provider          string         `json:"provider"`
	Region            string         `json:"region"`
	Available         bool           `json:"available"`
	LimitType         LimitType      `json:"limitType"`
	ResetTime         *time.Time     `json:"resetTime,omitempty"`
	RetryAfterSeconds int            `json:"retryAfterSeconds"`
	Recommendation    Recommendation `json:"recommendation"`
	// Degraded 为 true 表示检查失败后按可用处理
	Degraded bool `json:"degraded,omitempty"`
}

// LocalStatus 本地用量限制状态
type LocalStatus struct {
	Limited   bool       `json:"limited"`
	ResetTime *time.Time `json:"resetTime,omitempty"`
}

// Status 所有已知提供商/区域的容量汇总
type Status struct {
	AnyAvailable  bool                    `json:"anyAvailable"`
	TotalLimited  int                     `json:"totalLimited"`
	NextResetTime *time.Time              `json:"nextResetTime,omitempty"`
	Local         LocalStatus             `json:"local"`
	Providers     []Check                 `json:"providers"`
	GlobalLimits  []globallimit.LimitInfo `json:"globalLimits"`
	CheckedAt     time.Time               `json:"checkedAt"`
	Degraded      bool                    `json:"degraded,omitempty"`
}

// LocalLimits 本地用量限制来源
type LocalLimits interface {
	CheckLimitActive(ctx context.Context) result.Result[bool]
	GetResetTime(ctx context.Context) (time.Time, bool)
}

// GlobalLimits 全局限流来源
type GlobalLimits interface {
	IsProviderLimited(ctx context.Context, provider, region string) bool
	GetProviderLimitInfo(ctx context.Context, provider, region string) (*globallimit.LimitInfo, error)
	GetAllLimitedProviders(ctx context.Context) ([]globallimit.LimitInfo, error)
	ClearProviderLimit(ctx context.Context, provider, region string) (bool, error)
}

// Manager 将本地与全局限流信号合并为可执行的容量结论
type Manager struct {
	local         LocalLimits
	global        GlobalLimits
	pairs         []config.ProviderRegion
	combinedReset string
	now           func() time.Time
}

// NewManager 创建容量管理器
func NewManager(local LocalLimits, global GlobalLimits, cfg *config.CapacityConfig) *Manager {
	policy := cfg.CombinedReset
	if policy == "" {
		policy = config.CombinedResetEarliest
	}
	return &Manager{
		local:         local,
		global:        global,
		pairs:         cfg.ProviderRegions,
		combinedReset: policy,
		now:           time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// signal 单一来源的限流信号
type signal struct {
	limited bool
	reset   time.Time
}

// CheckAICapacity 并发读取本地与全局限流，给出可用性、重试时间与建议。内部错误时按可用处理。
func (m *Manager) CheckAICapacity(ctx context.Context, provider, region string) *Check {
	var local, global signal

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		local, err = m.readLocal(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		global, err = m.readGlobal(gctx, provider, region)
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("AI capacity check failed, allowing request",
			zap.String("provider", provider),
			zap.String("region", region),
			zap.Error(err))
		return &Check{
			Provider:       provider,
			Region:         region,
			Available:      true,
			LimitType:      LimitNone,
			Recommendation: RecommendProceed,
			Degraded:       true,
		}
	}

	return m.verdict(provider, region, local, global)
}

func (m *Manager) readLocal(ctx context.Context) (sig signal, err error) {
	defer recoverInto(&err, "local limit read")

	active := m.local.CheckLimitActive(ctx)
	if !active.Value() {
		return signal{}, nil
	}
	reset, ok := m.local.GetResetTime(ctx)
	if !ok {
		// 记录读取失败但限制被判定为生效：按最小重试间隔处理
		reset = m.now().Add(MinRetryAfterSeconds * time.Second)
	}
	return signal{limited: true, reset: reset}, nil
}

func (m *Manager) readGlobal(ctx context.Context, provider, region string) (sig signal, err error) {
	defer recoverInto(&err, "global limit read")

	if !m.global.IsProviderLimited(ctx, provider, region) {
		return signal{}, nil
	}
	info, err := m.global.GetProviderLimitInfo(ctx, provider, region)
	if err != nil {
		return signal{}, fmt.Errorf("read global limit info: %w", err)
	}
	if info == nil {
		// 记录在两次读取之间过期
		return signal{}, nil
	}
	return signal{limited: true, reset: info.ResetAt}, nil
}

func (m *Manager) verdict(provider, region string, local, global signal) *Check {
	check := &Check{Provider: provider, Region: region}

	var reset time.Time
	switch {
	case local.limited && global.limited:
		check.LimitType = LimitBoth
		reset = m.combine(local.reset, global.reset)
	case local.limited:
		check.LimitType = LimitLocal
		reset = local.reset
	case global.limited:
		check.LimitType = LimitGlobal
		reset = global.reset
	default:
		check.LimitType = LimitNone
		check.Available = true
		check.Recommendation = RecommendProceed
		return check
	}

	check.ResetTime = &reset
	check.RetryAfterSeconds = RetryAfterSeconds(reset, m.now())
	if check.RetryAfterSeconds <= RetryLaterThresholdSeconds {
		check.Recommendation = RecommendRetryLater
	} else {
		check.Recommendation = RecommendQueue
	}
	return check
}

// combine 本地与全局同时受限时的重置时间
func (m *Manager) combine(local, global time.Time) time.Time {
	if m.combinedReset == config.CombinedResetLatest {
		if local.After(global) {
			return local
		}
		return global
	}
	if local.Before(global) {
		return local
	}
	return global
}

// RetryAfterSeconds 距重置的秒数（向上取整），不小于 MinRetryAfterSeconds
func RetryAfterSeconds(reset, now time.Time) int {
	remaining := reset.Sub(now)
	seconds := int((remaining + time.Second - 1) / time.Second)
	if seconds < MinRetryAfterSeconds {
		return MinRetryAfterSeconds
	}
	return seconds
}

// GetCapacityStatus 汇总所有已知提供商/区域的容量；内部错误时返回全部可用
func (m *Manager) GetCapacityStatus(ctx context.Context) *Status {
	now := m.now()
	checks := make([]*Check, len(m.pairs))
	var local signal
	var globals []globallimit.LimitInfo

	g, gctx := errgroup.WithContext(ctx)
	for i, pair := range m.pairs {
		g.Go(func() error {
			checks[i] = m.CheckAICapacity(gctx, pair.Provider, pair.Region)
			return nil
		})
	}
	g.Go(func() error {
		var err error
		local, err = m.readLocal(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		globals, err = m.global.GetAllLimitedProviders(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("AI capacity status failed, reporting all available", zap.Error(err))
		return m.defaultStatus(now)
	}

	status := &Status{
		Providers:    make([]Check, 0, len(checks)),
		GlobalLimits: globals,
		CheckedAt:    now,
	}
	if status.GlobalLimits == nil {
		status.GlobalLimits = []globallimit.LimitInfo{}
	}

	var next time.Time
	consider := func(t time.Time) {
		if t.IsZero() || !t.After(now) {
			return
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	for _, check := range checks {
		status.Providers = append(status.Providers, *check)
		if check.Available {
			status.AnyAvailable = true
		} else {
			status.TotalLimited++
		}
		if check.ResetTime != nil {
			consider(*check.ResetTime)
		}
	}

	if local.limited {
		reset := local.reset
		status.Local = LocalStatus{Limited: true, ResetTime: &reset}
		consider(reset)
	}
	for _, info := range globals {
		consider(info.ResetAt)
	}
	if !next.IsZero() {
		status.NextResetTime = &next
	}
	return status
}

func (m *Manager) defaultStatus(now time.Time) *Status {
	status := &Status{
		AnyAvailable: true,
		Providers:    make([]Check, 0, len(m.pairs)),
		GlobalLimits: []globallimit.LimitInfo{},
		CheckedAt:    now,
		Degraded:     true,
	}
	for _, pair := range m.pairs {
		status.Providers = append(status.Providers, Check{
			Provider:       pair.Provider,
			Region:         pair.Region,
			Available:      true,
			LimitType:      LimitNone,
			Recommendation: RecommendProceed,
			Degraded:       true,
		})
	}
	return status
}

// ClearProviderLimit 清除全局限流（管理员操作）
func (m *Manager) ClearProviderLimit(ctx context.Context, provider, region string) (bool, error) {
	return m.global.ClearProviderLimit(ctx, provider, region)
}

// ProviderRegions 已知的提供商/区域组合
func (m *Manager) ProviderRegions() []config.ProviderRegion {
	return m.pairs
}

func recoverInto(err *error, what string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s panicked: %v", what, r)
	}
}
