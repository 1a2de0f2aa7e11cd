package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/catstream/capacity-control/internal/config"
	"github.com/catstream/capacity-control/internal/metrics"
	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/catstream/capacity-control/internal/services/capacity"
	"github.com/catstream/capacity-control/internal/storage/postgres"
	"github.com/catstream/capacity-control/internal/storage/redis"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CapacitySource AI 容量汇总来源
type CapacitySource interface {
	GetCapacityStatus(ctx context.Context) *capacity.Status
}

// JobCounter 后台任务计数
type JobCounter interface {
	Counts(ctx context.Context) (*redis.JobCounts, error)
}

// Reconciler 每个健康周期执行一次的用量限制对账
type Reconciler interface {
	CheckAndPauseForUsageLimit(ctx context.Context) (bool, error)
}

// Deps 健康服务依赖
type Deps struct {
	Redis      *redis.Client
	Capacity   CapacitySource
	Builds     BuildSource
	Jobs       JobCounter
	Reconciler Reconciler
	Metrics    *metrics.Metrics
}

// Service 单服务器健康快照、集群汇总与持续 SLO 违规检测
type Service struct {
	redis      *redis.Client
	capacity   CapacitySource
	builds     BuildSource
	jobs       JobCounter
	reconciler Reconciler
	metrics    *metrics.Metrics

	serverID  string
	cfg       config.HealthConfig
	startedAt time.Time
	now       func() time.Time
	readRSS   func() (uint64, error)
	ping      func(ctx context.Context) (time.Duration, error)

	stopChan chan struct{}
	done     chan struct{}
}

// NewService 创建健康服务
func NewService(deps Deps, serverID string, cfg config.HealthConfig) *Service {
	builds := deps.Builds
	if builds == nil {
		builds = EmptyBuildSource{}
	}
	s := &Service{
		redis:      deps.Redis,
		capacity:   deps.Capacity,
		builds:     builds,
		jobs:       deps.Jobs,
		reconciler: deps.Reconciler,
		metrics:    deps.Metrics,
		serverID:   serverID,
		cfg:        cfg,
		startedAt:  time.Now(),
		now:        time.Now,
		readRSS:    readRSS,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.ping = deps.Redis.PingLatency
	return s
}

// WithClock 替换时钟（测试用）
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.startedAt = now()
	return s
}

// ServerID 当前服务器 ID
func (s *Service) ServerID() string {
	return s.serverID
}

// CollectHealthMetrics 并发采集容量、Redis、进程与负载指标。任一采集失败时返回保守的 unhealthy 快照。
func (s *Service) CollectHealthMetrics(ctx context.Context) *Snapshot {
	now := s.now()
	snap := newSnapshot(s.serverID, now)

	var builds []postgres.BuildRecord
	var counts *redis.JobCounts

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap.Capacity = summarizeCapacity(s.capacity.GetCapacityStatus(gctx))
		return nil
	})
	g.Go(func() error {
		latency, err := s.ping(gctx)
		if err != nil {
			logger.Warn("Redis ping failed during health check", zap.Error(err))
			snap.Redis = RedisMetrics{Connected: false}
			return nil
		}
		snap.Redis = RedisMetrics{
			Connected: true,
			LatencyMs: float64(latency.Microseconds()) / 1000,
		}
		return nil
	})
	g.Go(func() error {
		snap.System = s.systemMetrics()
		return nil
	})
	g.Go(func() error {
		var err error
		builds, err = s.builds.RecentBuilds(gctx, now.Add(-WorkloadWindow))
		if err != nil {
			return fmt.Errorf("read recent builds: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if s.jobs == nil {
			counts = &redis.JobCounts{}
			return nil
		}
		var err error
		counts, err = s.jobs.Counts(gctx)
		if err != nil {
			return fmt.Errorf("count queue jobs: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("❌ Health metrics collection failed", zap.Error(err))
		return fallbackSnapshot(s.serverID, now, err)
	}

	snap.Workload = ComputeWorkload(builds, QueueSummary{
		Paused:    counts.Paused,
		Waiting:   counts.Waiting,
		Active:    counts.Active,
		Delayed:   counts.Delayed,
		Completed: counts.Completed,
		Failed:    counts.Failed,
	}, now)
	return snap
}

func summarizeCapacity(status *capacity.Status) CapacitySummary {
	summary := CapacitySummary{
		Available:     status.AnyAvailable,
		LocalLimited:  status.Local.Limited,
		TotalLimited:  status.TotalLimited,
		NextResetTime: status.NextResetTime,
		Providers:     make([]ProviderCapacity, 0, len(status.Providers)),
	}
	for _, p := range status.Providers {
		summary.Providers = append(summary.Providers, ProviderCapacity{
			Provider:  p.Provider,
			Region:    p.Region,
			Available: p.Available,
			LimitType: string(p.LimitType),
		})
	}
	return summary
}

// DetermineServerStatus 按顺序判定状态：Redis 断开、内存超限、SLO 违规（多项违规需持续 10 分钟才降级）
func (s *Service) DetermineServerStatus(ctx context.Context, snap *Snapshot) (Status, []Violation) {
	if !snap.Redis.Connected {
		return StatusUnhealthy, []Violation{}
	}
	if snap.System.RSSBytes > MemoryCeilingBytes {
		return StatusUnhealthy, []Violation{}
	}

	violations := EvaluateSLOs(snap)
	switch {
	case len(violations) >= MultiViolationThreshold:
		since, err := s.redis.MarkDegraded(ctx, s.serverID, snap.Timestamp)
		if err != nil {
			logger.Warn("Failed to track degraded state", zap.Error(err))
			return StatusHealthy, violations
		}
		if snap.Timestamp.Sub(since) >= SustainedDegradedDuration {
			return StatusDegraded, violations
		}
		return StatusHealthy, violations
	case len(violations) == 1:
		// 少于两项违规即结束持续计时
		if err := s.redis.ClearDegradedMarker(ctx, s.serverID); err != nil {
			logger.Warn("Failed to clear degraded marker", zap.Error(err))
		}
		return StatusDegraded, violations
	default:
		if err := s.redis.ClearDegradedMarker(ctx, s.serverID); err != nil {
			logger.Warn("Failed to clear degraded marker", zap.Error(err))
		}
		return StatusHealthy, violations
	}
}

// GetServerHealth 采集并判定本服务器当前状态，不写心跳
func (s *Service) GetServerHealth(ctx context.Context) *Snapshot {
	snap := s.CollectHealthMetrics(ctx)
	if !snap.Fallback {
		snap.Status, snap.Violations = s.DetermineServerStatus(ctx, snap)
	}
	return snap
}

// UpdateServerHealth 采集并判定状态，以心跳 TTL 写入 Redis
func (s *Service) UpdateServerHealth(ctx context.Context) (*Snapshot, error) {
	snap := s.GetServerHealth(ctx)

	s.observe(snap)

	if err := s.redis.SaveServerHealth(ctx, s.serverID, snap, s.cfg.HeartbeatTTL()); err != nil {
		return snap, fmt.Errorf("failed to save server health: %w", err)
	}

	if snap.Status != StatusHealthy {
		logger.Warn("Server health is "+string(snap.Status),
			zap.String("serverId", s.serverID),
			zap.Int("violations", len(snap.Violations)),
			zap.String("error", snap.Error))
	}
	return snap, nil
}

func (s *Service) observe(snap *Snapshot) {
	if s.metrics == nil {
		return
	}
	for _, p := range snap.Capacity.Providers {
		s.metrics.SetCapacity(p.Provider, p.Region, p.Available)
	}
	s.metrics.SetUsageLimitActive(snap.Capacity.LocalLimited)
	q := snap.Workload.Queue
	s.metrics.SetQueue(q.Paused, map[string]int64{
		redis.JobStateWaiting:   q.Waiting,
		redis.JobStateActive:    q.Active,
		redis.JobStateDelayed:   q.Delayed,
		redis.JobStateCompleted: q.Completed,
		redis.JobStateFailed:    q.Failed,
	})
	s.metrics.SetHealth(string(snap.Status), len(snap.Violations))
}

// GetAllServerHealth 读取所有仍在心跳期内的服务器快照
func (s *Service) GetAllServerHealth(ctx context.Context) ([]Snapshot, error) {
	ids, err := s.redis.ScanServerIDs(ctx)
	if err != nil {
		return nil, err
	}

	snapshots := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		var snap Snapshot
		ok, err := s.redis.GetServerHealth(ctx, id, &snap)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ServerID < snapshots[j].ServerID })
	return snapshots, nil
}

// GetClusterHealthSummary 汇总集群健康
func (s *Service) GetClusterHealthSummary(ctx context.Context) (*ClusterSummary, error) {
	servers, err := s.GetAllServerHealth(ctx)
	if err != nil {
		return nil, err
	}

	summary := &ClusterSummary{
		TotalServers:   len(servers),
		CriticalIssues: []string{},
		Servers:        servers,
		Timestamp:      s.now(),
	}
	for _, snap := range servers {
		switch snap.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		default:
			summary.Unhealthy++
		}
		if snap.Capacity.Available {
			summary.AnyAICapacity = true
		}
		// 所有服务器读取同一个构建库，取最大值避免重复计数
		if snap.Workload.ActiveBuilds > summary.TotalActiveBuilds {
			summary.TotalActiveBuilds = snap.Workload.ActiveBuilds
		}
	}

	if summary.TotalServers == 0 {
		summary.CriticalIssues = append(summary.CriticalIssues, "No servers registered")
		return summary, nil
	}
	if !summary.AnyAICapacity {
		summary.CriticalIssues = append(summary.CriticalIssues, "No AI capacity available on any server")
	}
	if summary.Unhealthy > 0 {
		summary.CriticalIssues = append(summary.CriticalIssues, fmt.Sprintf("%d server(s) unhealthy", summary.Unhealthy))
	}
	if summary.Healthy == 0 {
		summary.CriticalIssues = append(summary.CriticalIssues, "No healthy servers")
	}
	return summary, nil
}

// GetDegradedStateInfo 用最新指标判断是否显示降级横幅：标记已持续 10 分钟且当前仍有至少 2 项违规
func (s *Service) GetDegradedStateInfo(ctx context.Context) (*DegradedInfo, error) {
	snap := s.CollectHealthMetrics(ctx)
	info := &DegradedInfo{
		Violations: []Violation{},
		CheckedAt:  snap.Timestamp,
	}
	if snap.Fallback {
		info.Error = snap.Error
		return info, nil
	}

	info.Violations = EvaluateSLOs(snap)
	info.ViolationCount = len(info.Violations)

	since, ok, err := s.redis.GetDegradedSince(ctx, s.serverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return info, nil
	}

	age := snap.Timestamp.Sub(since)
	info.DegradedSince = &since
	info.DurationSeconds = int(age / time.Second)
	info.ShowBanner = age >= SustainedDegradedDuration && info.ViolationCount >= MultiViolationThreshold
	return info, nil
}

// Start 启动健康循环：立即执行一次，之后按配置间隔执行
func (s *Service) Start(ctx context.Context) {
	go s.run(ctx)
	logger.Info("💓 Health monitor started",
		zap.String("serverId", s.serverID),
		zap.Duration("interval", s.cfg.CheckInterval))
}

// Stop 停止健康循环
func (s *Service) Stop() {
	close(s.stopChan)
	<-s.done
	logger.Info("Health monitor stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	if s.reconciler != nil {
		if _, err := s.reconciler.CheckAndPauseForUsageLimit(ctx); err != nil {
			logger.Error("Usage limit reconciliation failed", zap.Error(err))
		}
	}
	if _, err := s.UpdateServerHealth(ctx); err != nil {
		logger.Error("Health update failed", zap.Error(err))
	}
}
