package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/catstream/capacity-control/internal/config"
	"github.com/catstream/capacity-control/internal/metrics"
	"github.com/catstream/capacity-control/internal/middleware"
	"github.com/catstream/capacity-control/internal/services/capacity"
	"github.com/catstream/capacity-control/internal/services/globallimit"
	"github.com/catstream/capacity-control/internal/services/health"
	"github.com/catstream/capacity-control/internal/services/queue"
	"github.com/catstream/capacity-control/internal/services/usagelimit"
	"github.com/catstream/capacity-control/internal/storage/redis"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "s3cret-admin"

type fixture struct {
	router *gin.Engine
	mr     *miniredis.Miniredis
	usage  *usagelimit.Service
	global *globallimit.Service
	queue  *queue.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redis.Wrap(rdb)

	capCfg := &config.CapacityConfig{
		ServerID:        "web-1",
		DefaultProvider: "anthropic",
		DefaultRegion:   "us-east",
		ProviderRegions: []config.ProviderRegion{{Provider: "anthropic", Region: "us-east"}},
		CombinedReset:   config.CombinedResetEarliest,
	}

	usage := usagelimit.NewService(client)
	global := globallimit.NewService(client, "web-1")
	capMgr := capacity.NewManager(usage, global, capCfg)
	jobs := redis.NewJobQueue(client, "builds")
	queueMgr := queue.NewManager(client, jobs, usage, "web-1")
	healthSvc := health.NewService(health.Deps{
		Redis:      client,
		Capacity:   capMgr,
		Jobs:       jobs,
		Reconciler: queueMgr,
		Metrics:    metrics.New(prometheus.NewRegistry()),
	}, "web-1", config.HealthConfig{CheckInterval: 30 * time.Second, HeartbeatMultiplier: 3})

	router := gin.New()
	Register(router, &Set{
		Capacity:   NewCapacityHandler(capMgr, global, capCfg.DefaultProvider, capCfg.DefaultRegion),
		UsageLimit: NewUsageLimitHandler(usage),
		Queue:      NewQueueHandler(queueMgr, global),
		Health:     NewHealthHandler(healthSvc),
	},
		middleware.NewAdminAuthMiddleware(testAdminToken).Authenticate(),
		middleware.NewCapacityGuard(capMgr, capCfg.DefaultProvider, capCfg.DefaultRegion).Require(),
	)

	return &fixture{router: router, mr: mr, usage: usage, global: global, queue: queueMgr}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func usageLimitText(reset time.Time) string {
	return fmt.Sprintf("Claude AI usage limit reached|%d", reset.Unix())
}

func TestGetCapacityStatus(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/capacity", nil, false)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, true, data["anyAvailable"])
}

func TestCheckCapacityReportsGlobalLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.global.SetProviderLimit(ctx, "anthropic", "eu-west", time.Now().Add(10*time.Minute), "limited"))

	w := f.do(t, http.MethodGet, "/api/capacity/check?region=eu-west", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, false, data["available"])
	assert.Equal(t, "global", data["limitType"])

	w = f.do(t, http.MethodGet, "/api/capacity/check", nil, false)
	data = decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, data["available"])
}

func TestAdmitRejectsWhenLimited(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/capacity/admit", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["admitted"])

	require.NoError(t, f.global.SetProviderLimit(context.Background(), "anthropic", "us-east", time.Now().Add(2*time.Minute), "limited"))

	w = f.do(t, http.MethodPost, "/api/capacity/admit", nil, false)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "global", w.Header().Get("X-RateLimit-Limit-Type"))
	assert.Equal(t, "ai_capacity_exhausted", decode(t, w)["code"])
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/admin/queue/resume", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing_token", decode(t, w)["code"])

	req := httptest.NewRequest(http.MethodPost, "/admin/queue/resume", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_token", decode(t, w)["code"])

	w = f.do(t, http.MethodPost, "/admin/queue/resume", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["resumed"])
}

func TestReportProviderErrorPausesQueueAndSetsGlobalLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reset := time.Now().Add(time.Hour)

	w := f.do(t, http.MethodPost, "/admin/provider-error", map[string]string{
		"message":  usageLimitText(reset),
		"provider": "anthropic",
		"region":   "us-east",
	}, true)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["usageLimit"])
	assert.Equal(t, true, body["globalLimitSet"])

	paused, err := f.queue.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.True(t, f.usage.IsLimitActive(ctx))
	assert.True(t, f.global.IsProviderLimited(ctx, "anthropic", "us-east"))

	w = f.do(t, http.MethodGet, "/api/queue", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	pause := decode(t, w)["data"].(map[string]interface{})["pause"].(map[string]interface{})
	assert.Equal(t, true, pause["paused"])
	assert.Equal(t, redis.PauseReasonUsageLimit, pause["reason"])
}

func TestReportProviderErrorIgnoresOtherErrors(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/admin/provider-error", map[string]string{"message": "upstream timeout"}, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["usageLimit"])

	w = f.do(t, http.MethodPost, "/admin/provider-error", map[string]string{}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForceResumeClearsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.queue.HandleProviderError(ctx, usageLimitText(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/admin/usage-limit/clear", nil, true)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/admin/queue/force-resume", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	paused, err := f.queue.IsPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
	assert.False(t, f.usage.IsLimitActive(ctx))
}

func TestPauseForSystemError(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/admin/queue/pause-system", map[string]string{}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/admin/queue/pause-system", map[string]string{
		"configurationType": "missing_api_key",
		"resolution":        "Set ANTHROPIC_API_KEY",
	}, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/queue", nil, false)
	pause := decode(t, w)["data"].(map[string]interface{})["pause"].(map[string]interface{})
	assert.Equal(t, redis.PauseReasonSystemError, pause["reason"])
	assert.Equal(t, "missing_api_key", pause["configurationType"])
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{"name": queue.JobResumeQueues}, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"name":    "build",
		"payload": map[string]string{"repo": "catstream/site"},
	}, false)
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.NotEmpty(t, body["jobId"])
	assert.Equal(t, redis.JobStateWaiting, body["state"])

	w = f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{"name": "build", "delaySeconds": 3600}, false)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, redis.JobStateDelayed, decode(t, w)["state"])
}

func TestEnqueueRejectsOutOfRangeDelay(t *testing.T) {
	f := newFixture(t)

	for _, delay := range []int64{-1, maxJobDelaySeconds + 1, 1 << 62} {
		w := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{"name": "build", "delaySeconds": delay}, false)
		assert.Equal(t, http.StatusBadRequest, w.Code, delay)
		assert.Contains(t, w.Body.String(), "delaySeconds")
	}

	stats, err := f.queue.GetQueueStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting)
	assert.Zero(t, stats.Delayed)
}

func TestProviderLimitAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/admin/capacity/provider-limit", map[string]interface{}{
		"provider":       "anthropic",
		"region":         "us-east",
		"resetInSeconds": 120,
	}, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.global.IsProviderLimited(ctx, "anthropic", "us-east"))

	w = f.do(t, http.MethodPost, "/admin/capacity/clear-provider", map[string]string{"provider": "anthropic"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/admin/capacity/clear-provider", map[string]string{
		"provider": "anthropic",
		"region":   "us-east",
	}, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["cleared"])
	assert.False(t, f.global.IsProviderLimited(ctx, "anthropic", "us-east"))
}

func TestHealthRoutes(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/health/server", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "web-1", decode(t, w)["serverId"])

	w = f.do(t, http.MethodGet, "/api/health/cluster", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	cluster := decode(t, w)
	assert.EqualValues(t, 0, cluster["totalServers"])
	assert.Contains(t, cluster["criticalIssues"], "No servers registered")

	w = f.do(t, http.MethodGet, "/api/health/degraded", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["showBanner"])
}

func TestUsageLimitStats(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.usage.SetUsageLimit(context.Background(), time.Now().Add(time.Hour), "limited"))

	w := f.do(t, http.MethodGet, "/api/usage-limit", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, data["active"])

	w = f.do(t, http.MethodPost, "/admin/usage-limit/force-clear", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.usage.IsLimitActive(context.Background()))
}
