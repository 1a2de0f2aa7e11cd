package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/catstream/capacity-control/internal/config"
	"github.com/catstream/capacity-control/internal/metrics"
	"github.com/catstream/capacity-control/internal/services/capacity"
	"github.com/catstream/capacity-control/internal/storage/postgres"
	"github.com/catstream/capacity-control/internal/storage/redis"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCapacity struct{ available bool }

func (s *stubCapacity) GetCapacityStatus(context.Context) *capacity.Status {
	limit := capacity.LimitNone
	if !s.available {
		limit = capacity.LimitGlobal
	}
	return &capacity.Status{
		AnyAvailable: s.available,
		Providers: []capacity.Check{
			{Provider: "anthropic", Region: "us-east", Available: s.available, LimitType: limit},
		},
	}
}

type stubBuilds struct {
	builds []postgres.BuildRecord
	err    error
}

func (s *stubBuilds) RecentBuilds(context.Context, time.Time) ([]postgres.BuildRecord, error) {
	return s.builds, s.err
}

type countingReconciler struct{ calls int }

func (r *countingReconciler) CheckAndPauseForUsageLimit(context.Context) (bool, error) {
	r.calls++
	return false, nil
}

type fixture struct {
	service  *Service
	client   *redis.Client
	mr       *miniredis.Miniredis
	clock    *time.Time
	capacity *stubCapacity
	builds   *stubBuilds
	latency  time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Unix(1_760_000_000, 0)
	f := &fixture{
		client:   redis.Wrap(rdb),
		mr:       mr,
		clock:    &now,
		capacity: &stubCapacity{available: true},
		builds:   &stubBuilds{},
		latency:  5 * time.Millisecond,
	}
	f.service = NewService(Deps{
		Redis:    f.client,
		Capacity: f.capacity,
		Builds:   f.builds,
		Jobs:     redis.NewJobQueue(f.client, "builds"),
		Metrics:  metrics.New(prometheus.NewRegistry()),
	}, "web-1", config.HealthConfig{CheckInterval: 30 * time.Second, HeartbeatMultiplier: 3}).
		WithClock(func() time.Time { return *f.clock })
	f.service.ping = func(context.Context) (time.Duration, error) { return f.latency, nil }
	f.service.readRSS = func() (uint64, error) { return 256 << 20, nil }
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
	f.mr.FastForward(d)
}

// twoViolations AI 容量不可用 + Redis 延迟 150ms
func (f *fixture) twoViolations() *Snapshot {
	snap := newSnapshot("web-1", *f.clock)
	snap.Redis = RedisMetrics{Connected: true, LatencyMs: 150}
	snap.Capacity.Available = false
	return snap
}

func (f *fixture) noViolations() *Snapshot {
	snap := newSnapshot("web-1", *f.clock)
	snap.Redis = RedisMetrics{Connected: true, LatencyMs: 3}
	snap.Capacity.Available = true
	return snap
}

func TestSustainedViolationsDegradeAfterTenMinutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, violations := f.service.DetermineServerStatus(ctx, f.twoViolations())
	assert.Equal(t, StatusHealthy, status)
	assert.Len(t, violations, 2)

	f.advance(5 * time.Minute)
	status, _ = f.service.DetermineServerStatus(ctx, f.twoViolations())
	assert.Equal(t, StatusHealthy, status)

	f.advance(6 * time.Minute)
	status, violations = f.service.DetermineServerStatus(ctx, f.twoViolations())
	assert.Equal(t, StatusDegraded, status)
	assert.Len(t, violations, 2)
}

func TestRecoveryClearsDegradedMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := *f.clock

	status, _ := f.service.DetermineServerStatus(ctx, f.twoViolations())
	require.Equal(t, StatusHealthy, status)
	require.True(t, f.mr.Exists(redis.DegradedMarkerKey("web-1")))

	f.advance(6 * time.Minute)
	status, violations := f.service.DetermineServerStatus(ctx, f.noViolations())
	assert.Equal(t, StatusHealthy, status)
	assert.Empty(t, violations)
	assert.False(t, f.mr.Exists(redis.DegradedMarkerKey("web-1")))

	// 重新出现违规时重新计时
	f.advance(time.Minute)
	_, _ = f.service.DetermineServerStatus(ctx, f.twoViolations())
	since, ok, err := f.client.GetDegradedSince(ctx, "web-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(7*time.Minute).UnixMilli(), since.UnixMilli())

	f.advance(5 * time.Minute)
	status, _ = f.service.DetermineServerStatus(ctx, f.twoViolations())
	assert.Equal(t, StatusHealthy, status)
}

func TestSingleViolationRestartsSustainedTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := *f.clock

	status, _ := f.service.DetermineServerStatus(ctx, f.twoViolations())
	require.Equal(t, StatusHealthy, status)

	f.advance(8 * time.Minute)
	single := f.noViolations()
	single.Capacity.Available = false
	status, violations := f.service.DetermineServerStatus(ctx, single)
	assert.Equal(t, StatusDegraded, status)
	assert.Len(t, violations, 1)
	assert.False(t, f.mr.Exists(redis.DegradedMarkerKey("web-1")))

	// 回到多重违规后从头计时，不沿用最初的时间点
	f.advance(2*time.Minute + 30*time.Second)
	status, violations = f.service.DetermineServerStatus(ctx, f.twoViolations())
	assert.Equal(t, StatusHealthy, status)
	assert.Len(t, violations, 2)

	since, ok, err := f.client.GetDegradedSince(ctx, "web-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(10*time.Minute+30*time.Second).UnixMilli(), since.UnixMilli())
}

func TestDetermineServerStatusRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
		want   Status
	}{
		{"all good", func(s *Snapshot) {}, StatusHealthy},
		{"redis disconnected", func(s *Snapshot) { s.Redis.Connected = false }, StatusUnhealthy},
		{"memory ceiling", func(s *Snapshot) { s.System.RSSBytes = 3 << 30 }, StatusUnhealthy},
		{"memory exactly at ceiling", func(s *Snapshot) { s.System.RSSBytes = MemoryCeilingBytes }, StatusHealthy},
		{"single violation degrades at once", func(s *Snapshot) { s.Workload.QueueDepth = 51 }, StatusDegraded},
		{"redis down wins over violations", func(s *Snapshot) {
			s.Redis.Connected = false
			s.Capacity.Available = false
		}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			snap := f.noViolations()
			tt.mutate(snap)
			status, _ := f.service.DetermineServerStatus(context.Background(), snap)
			if status != tt.want {
				t.Errorf("DetermineServerStatus() = %v, want %v", status, tt.want)
			}
		})
	}
}

func TestEvaluateSLOs(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Snapshot)
		names    []string
		severity string
	}{
		{"none", func(s *Snapshot) {}, []string{}, ""},
		{"ai capacity", func(s *Snapshot) { s.Capacity.Available = false }, []string{"ai_capacity"}, SeverityCritical},
		{"redis latency at limit", func(s *Snapshot) { s.Redis.LatencyMs = 100 }, []string{}, ""},
		{"redis latency", func(s *Snapshot) { s.Redis.LatencyMs = 101 }, []string{"redis_latency"}, SeverityWarning},
		{"queue depth", func(s *Snapshot) { s.Workload.QueueDepth = 60 }, []string{"queue_depth"}, SeverityWarning},
		{"dequeue warning", func(s *Snapshot) { s.Workload.DequeueP95Seconds = 45 }, []string{"dequeue_latency"}, SeverityWarning},
		{"dequeue critical", func(s *Snapshot) { s.Workload.DequeueP95Seconds = 61 }, []string{"dequeue_latency"}, SeverityCritical},
		{"runtime", func(s *Snapshot) { s.Workload.RuntimeP95Seconds = 301 }, []string{"build_runtime"}, SeverityWarning},
		{"success rate", func(s *Snapshot) { s.Workload.SuccessRate = 0.85 }, []string{"success_rate"}, SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := newSnapshot("web-1", time.Unix(0, 0))
			snap.Capacity.Available = true
			tt.mutate(snap)

			violations := EvaluateSLOs(snap)
			names := make([]string, 0, len(violations))
			for _, v := range violations {
				names = append(names, v.Name)
			}
			assert.Equal(t, tt.names, names)
			if tt.severity != "" {
				assert.Equal(t, tt.severity, violations[0].Severity)
			}
		})
	}
}

func TestComputeWorkload(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	at := func(d time.Duration) *time.Time {
		t := now.Add(d)
		return &t
	}

	builds := []postgres.BuildRecord{
		{ID: "1", Region: "us-east", Status: postgres.BuildStatusSucceeded, CreatedAt: now.Add(-30 * time.Minute), StartedAt: at(-29 * time.Minute), CompletedAt: at(-25 * time.Minute)},
		{ID: "2", Region: "us-east", Status: postgres.BuildStatusFailed, CreatedAt: now.Add(-20 * time.Minute), StartedAt: at(-20*time.Minute + 10*time.Second), CompletedAt: at(-19 * time.Minute)},
		{ID: "3", Region: "eu-west", Status: postgres.BuildStatusRunning, CreatedAt: now.Add(-5 * time.Minute), StartedAt: at(-4 * time.Minute)},
		{ID: "4", Region: "", Status: postgres.BuildStatusQueued, CreatedAt: now.Add(-time.Minute)},
		{ID: "5", Region: "eu-west", Status: postgres.BuildStatusQueued, CreatedAt: now.Add(-3 * time.Hour)},
	}

	w := ComputeWorkload(builds, QueueSummary{Waiting: 4}, now)
	assert.Equal(t, 2, w.QueuedBuilds)
	assert.Equal(t, 6, w.QueueDepth)
	assert.Equal(t, 1, w.ActiveBuilds)
	assert.Equal(t, 3, w.SampleSize)
	assert.InDelta(t, 0.5, w.SuccessRate, 1e-9)
	assert.Greater(t, w.DequeueP95Seconds, 50.0)
	assert.Greater(t, w.RuntimeP95Seconds, 200.0)

	require.Len(t, w.Regions, 3)
	assert.Equal(t, "eu-west", w.Regions[0].Region)
	assert.Equal(t, "unknown", w.Regions[1].Region)
	assert.Equal(t, "us-east", w.Regions[2].Region)
	assert.Equal(t, 1.0, w.Regions[0].SuccessRate)
	assert.Equal(t, 2, w.Regions[2].Finished)

	empty := ComputeWorkload(nil, QueueSummary{}, now)
	assert.Equal(t, 1.0, empty.SuccessRate)
	assert.Zero(t, empty.QueueDepth)
	assert.NotNil(t, empty.Regions)
}

func TestCollectHealthMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.jobs.(*redis.JobQueue).Add(ctx, "build", nil, redis.JobOptions{})
	require.NoError(t, err)
	f.latency = 12 * time.Millisecond

	snap := f.service.CollectHealthMetrics(ctx)
	assert.False(t, snap.Fallback)
	assert.Equal(t, "web-1", snap.ServerID)
	assert.True(t, snap.Capacity.Available)
	require.Len(t, snap.Capacity.Providers, 1)
	assert.True(t, snap.Redis.Connected)
	assert.InDelta(t, 12.0, snap.Redis.LatencyMs, 0.01)
	assert.Equal(t, uint64(256<<20), snap.System.RSSBytes)
	assert.Equal(t, 1, snap.Workload.QueueDepth)
	assert.Equal(t, int64(1), snap.Workload.Queue.Waiting)
}

func TestCollectHealthMetricsFallsBackToUnhealthy(t *testing.T) {
	f := newFixture(t)
	f.builds.err = errors.New("relation \"builds\" does not exist")

	snap := f.service.CollectHealthMetrics(context.Background())
	assert.True(t, snap.Fallback)
	assert.Equal(t, StatusUnhealthy, snap.Status)
	assert.Contains(t, snap.Error, "builds")
	assert.Empty(t, snap.Violations)
}

func TestCollectHealthMetricsRedisDown(t *testing.T) {
	f := newFixture(t)
	f.service.ping = func(context.Context) (time.Duration, error) { return 0, errors.New("dial tcp: refused") }
	f.service.jobs = nil

	snap := f.service.CollectHealthMetrics(context.Background())
	assert.False(t, snap.Fallback)
	assert.False(t, snap.Redis.Connected)

	status, _ := f.service.DetermineServerStatus(context.Background(), snap)
	assert.Equal(t, StatusUnhealthy, status)
}

func TestUpdateServerHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.service.UpdateServerHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.Equal(t, 90*time.Second, f.mr.TTL(redis.ServerHealthKey("web-1")))

	all, err := f.service.GetAllServerHealth(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, StatusHealthy, all[0].Status)

	// 心跳过期后服务器视为离线
	f.advance(91 * time.Second)
	all, err = f.service.GetAllServerHealth(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGetClusterHealthSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	summary, err := f.service.GetClusterHealthSummary(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.TotalServers)
	assert.Equal(t, []string{"No servers registered"}, summary.CriticalIssues)

	save := func(id string, status Status, available bool, active int) {
		snap := newSnapshot(id, *f.clock)
		snap.Status = status
		snap.Capacity.Available = available
		snap.Workload.ActiveBuilds = active
		require.NoError(t, f.client.SaveServerHealth(ctx, id, snap, time.Minute))
	}
	save("web-1", StatusUnhealthy, false, 3)
	save("web-2", StatusDegraded, false, 4)

	summary, err = f.service.GetClusterHealthSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalServers)
	assert.Equal(t, 1, summary.Unhealthy)
	assert.Equal(t, 1, summary.Degraded)
	assert.False(t, summary.AnyAICapacity)
	assert.Equal(t, 4, summary.TotalActiveBuilds)
	assert.Equal(t, []string{
		"No AI capacity available on any server",
		"1 server(s) unhealthy",
		"No healthy servers",
	}, summary.CriticalIssues)

	save("web-3", StatusHealthy, true, 4)
	summary, err = f.service.GetClusterHealthSummary(ctx)
	require.NoError(t, err)
	assert.True(t, summary.AnyAICapacity)
	assert.Equal(t, []string{"1 server(s) unhealthy"}, summary.CriticalIssues)
	assert.Equal(t, "web-1", summary.Servers[0].ServerID)
}

func TestGetDegradedStateInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.service.GetDegradedStateInfo(ctx)
	require.NoError(t, err)
	assert.False(t, info.ShowBanner)
	assert.Nil(t, info.DegradedSince)

	f.capacity.available = false
	f.latency = 150 * time.Millisecond
	_, err = f.client.MarkDegraded(ctx, "web-1", *f.clock)
	require.NoError(t, err)

	f.advance(9 * time.Minute)
	info, err = f.service.GetDegradedStateInfo(ctx)
	require.NoError(t, err)
	assert.False(t, info.ShowBanner)
	assert.Equal(t, 2, info.ViolationCount)

	f.advance(2 * time.Minute)
	info, err = f.service.GetDegradedStateInfo(ctx)
	require.NoError(t, err)
	assert.True(t, info.ShowBanner)
	assert.Equal(t, 660, info.DurationSeconds)

	// 条件改善时横幅立即消失，即使标记仍在
	f.capacity.available = true
	info, err = f.service.GetDegradedStateInfo(ctx)
	require.NoError(t, err)
	assert.False(t, info.ShowBanner)
	assert.Equal(t, 1, info.ViolationCount)
	assert.NotNil(t, info.DegradedSince)
}

func TestStartRunsReconcilerAndHeartbeat(t *testing.T) {
	f := newFixture(t)
	reconciler := &countingReconciler{}
	f.service.reconciler = reconciler
	f.service.cfg.CheckInterval = time.Hour

	f.service.Start(context.Background())
	require.Eventually(t, func() bool {
		return f.mr.Exists(redis.ServerHealthKey("web-1"))
	}, 2*time.Second, 10*time.Millisecond)
	f.service.Stop()

	assert.Equal(t, 1, reconciler.calls)
}
