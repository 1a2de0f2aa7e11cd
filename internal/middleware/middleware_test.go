package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/catstream/capacity-control/internal/config"
	"github.com/catstream/capacity-control/internal/services/capacity"
	"github.com/catstream/capacity-control/internal/services/globallimit"
	"github.com/catstream/capacity-control/internal/services/usagelimit"
	"github.com/catstream/capacity-control/internal/storage/redis"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAdminAuth(t *testing.T) {
	router := gin.New()
	router.GET("/admin", NewAdminAuthMiddleware("token-1").Authenticate(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin": IsAdmin(c)})
	})

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong bearer", "Authorization", "Bearer token-2", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer token-1", http.StatusOK},
		{"raw authorization", "Authorization", "token-1", http.StatusOK},
		{"admin header", "x-admin-token", "token-1", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := serve(router, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAdminAuthDisabledWithoutToken(t *testing.T) {
	router := gin.New()
	router.GET("/admin", NewAdminAuthMiddleware("  ").Authenticate(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := serve(router, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDiagnosticsGuard(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ServerConfig
		want int
	}{
		{"development", config.ServerConfig{Env: "development"}, http.StatusOK},
		{"production", config.ServerConfig{Env: "production"}, http.StatusNotFound},
		{"production mixed case", config.ServerConfig{Env: "Production"}, http.StatusNotFound},
		{"production opted in", config.ServerConfig{Env: "production", DebugRoutes: true}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/debug/redis/keys", DiagnosticsGuard(&tt.cfg), func(c *gin.Context) { c.Status(http.StatusOK) })

			w := serve(router, httptest.NewRequest(http.MethodGet, "/debug/redis/keys", nil))
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusNotFound {
				assert.Contains(t, w.Body.String(), "DEBUG_ROUTES=true")
			}
		})
	}
}

func newGuard(t *testing.T) (*CapacityGuard, *globallimit.Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redis.Wrap(rdb)

	global := globallimit.NewService(client, "web-1")
	manager := capacity.NewManager(usagelimit.NewService(client), global, &config.CapacityConfig{
		ProviderRegions: []config.ProviderRegion{{Provider: "anthropic", Region: "us-east"}},
		CombinedReset:   config.CombinedResetEarliest,
	})
	return NewCapacityGuard(manager, "anthropic", "us-east"), global
}

func TestCapacityGuard(t *testing.T) {
	guard, global := newGuard(t)
	require.NoError(t, global.SetProviderLimit(context.Background(), "anthropic", "eu-west", time.Now().Add(10*time.Minute), "limited"))

	router := gin.New()
	router.POST("/ai", guard.Require(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"provider": c.GetString("aiProvider"), "region": c.GetString("aiRegion")})
	})

	req := httptest.NewRequest(http.MethodPost, "/ai", nil)
	w := serve(router, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"region":"us-east"`)

	req = httptest.NewRequest(http.MethodPost, "/ai", nil)
	req.Header.Set(HeaderRegion, "eu-west")
	req.Header.Set(HeaderRequestType, "background")
	w = serve(router, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "global", w.Header().Get("X-RateLimit-Limit-Type"))
	assert.Contains(t, w.Body.String(), "ai_capacity_queued")
}

func TestRequestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRequestMetrics(reg)

	router := gin.New()
	router.Use(m.Handler())
	router.GET("/api/items/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	serve(router, httptest.NewRequest(http.MethodGet, "/api/items/1", nil))
	serve(router, httptest.NewRequest(http.MethodGet, "/api/items/2", nil))
	serve(router, httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodGet, "/api/items/:id", "204")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.requestDuration))
}

func TestCORSPreflight(t *testing.T) {
	router := gin.New()
	router.Use(CORS())
	router.GET("/api/capacity", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/api/capacity", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := serve(router, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}
