package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/catstream/capacity-control/internal/config"
	"github.com/catstream/capacity-control/internal/handlers"
	"github.com/catstream/capacity-control/internal/metrics"
	"github.com/catstream/capacity-control/internal/middleware"
	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/catstream/capacity-control/internal/services/capacity"
	"github.com/catstream/capacity-control/internal/services/globallimit"
	"github.com/catstream/capacity-control/internal/services/health"
	"github.com/catstream/capacity-control/internal/services/queue"
	"github.com/catstream/capacity-control/internal/services/usagelimit"
	"github.com/catstream/capacity-control/internal/storage/postgres"
	"github.com/catstream/capacity-control/internal/storage/redis"
	"github.com/catstream/capacity-control/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	version     = "0.1.0"
	serviceName = "capacity-control"

	healthCheckTimeout = 3 * time.Second
	redisQueryTimeout  = 5 * time.Second
	redisScanTimeout   = 10 * time.Second
	postgresTimeout    = 10 * time.Second
	shutdownTimeout    = 30 * time.Second
	readTimeout        = 30 * time.Second
	writeTimeout       = 60 * time.Second
	idleTimeout        = 120 * time.Second
	redisScanBatchSize = 1000
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Server.Env, cfg.Server.LogDir); err != nil {
		fmt.Printf("❌ Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("🚀 Starting capacity control service",
		zap.String("version", version),
		zap.String("env", cfg.Server.Env),
		zap.String("serverId", cfg.Capacity.ServerID),
		zap.Int("port", cfg.Server.Port))

	// 3. 连接 Redis
	redisClient := redis.NewClient()
	if err := redisClient.Connect(&cfg.Redis); err != nil {
		logger.Fatal("❌ Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Disconnect()

	m := metrics.New(nil)

	// 4. 构建库（可选）
	var builds health.BuildSource = health.EmptyBuildSource{}
	if cfg.Postgres.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), postgresTimeout)
		pool, err := postgres.NewPool(ctx, &cfg.Postgres)
		cancel()
		if err != nil {
			logger.Fatal("❌ Failed to connect to Postgres", zap.Error(err))
		}
		defer pool.Close()
		metrics.RegisterPgxPoolMetrics(nil, pool)
		builds = postgres.NewBuildStore(pool)
	} else {
		logger.Warn("⚠️  Build database not configured, workload metrics will be empty")
	}

	// 5. 组装服务
	usage := usagelimit.NewService(redisClient)
	global := globallimit.NewService(redisClient, cfg.Capacity.ServerID)
	capacityManager := capacity.NewManager(usage, global, &cfg.Capacity)

	jobs := redis.NewJobQueue(redisClient, cfg.Queue.Name)
	queueManager := queue.NewManager(redisClient, jobs, usage, cfg.Capacity.ServerID)

	worker := queue.NewWorker(queueManager, cfg.Queue.PollInterval)
	if cfg.Queue.DispatchURL != "" {
		dispatcher := queue.NewHTTPDispatcher(cfg.Queue.DispatchURL, cfg.Queue.DispatchTimeout)
		worker.Register("build", dispatcher.Handle)
		worker.Register("ai-task", dispatcher.Handle)
	} else {
		logger.Info("JOB_DISPATCH_URL not set, worker only runs control jobs")
	}

	healthService := health.NewService(health.Deps{
		Redis:      redisClient,
		Capacity:   capacityManager,
		Builds:     builds,
		Jobs:       jobs,
		Reconciler: queueManager,
		Metrics:    m,
	}, cfg.Capacity.ServerID, cfg.Health)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	worker.Start(ctx)
	healthService.Start(ctx)

	// 6. 创建路由
	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger())
	router.Use(middleware.NewRequestMetrics(nil).Handler())
	if cfg.Server.EnableCORS {
		corsCfg := middleware.DefaultCORSConfig
		corsCfg.EnableCors = true
		router.Use(middleware.CORSWithConfig(corsCfg))
	} else {
		router.Use(middleware.CORS())
	}

	router.GET("/health", healthHandler(redisClient, cfg.Capacity.ServerID))
	router.GET("/version", versionHandler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.Register(router, &handlers.Set{
		Capacity:   handlers.NewCapacityHandler(capacityManager, global, cfg.Capacity.DefaultProvider, cfg.Capacity.DefaultRegion),
		UsageLimit: handlers.NewUsageLimitHandler(usage),
		Queue:      handlers.NewQueueHandler(queueManager, global),
		Health:     handlers.NewHealthHandler(healthService),
	},
		middleware.NewAdminAuthMiddleware(cfg.Server.AdminToken).Authenticate(),
		middleware.NewCapacityGuard(capacityManager, cfg.Capacity.DefaultProvider, cfg.Capacity.DefaultRegion).Require(),
	)

	// Redis 诊断（生产环境需 DEBUG_ROUTES=true）
	debugRoutes := router.Group("/debug")
	debugRoutes.Use(middleware.DiagnosticsGuard(&cfg.Server))
	{
		debugRoutes.GET("/redis/keys", debugKeyCountHandler(redisClient))
		debugRoutes.GET("/redis/info", debugRedisInfoHandler(redisClient))
	}

	// 7. 启动服务器
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		logger.Info("🌐 Server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("❌ Server failed", zap.Error(err))
		}
	}()

	// 8. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("❌ Server forced to shutdown", zap.Error(err))
	}

	healthService.Stop()
	worker.Stop()
	stop()

	logger.Info("👋 Server exited")
}

// ginLogger Gin 日志中间件
func ginLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()))
	}
}

// healthHandler 存活检查
func healthHandler(redisClient *redis.Client, serverID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		redisOK := redisClient.Health(ctx) == nil

		status := "healthy"
		httpStatus := http.StatusOK
		if !redisOK {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}

		c.JSON(httpStatus, &types.HealthResponse{
			Status:    status,
			Service:   serviceName,
			Version:   version,
			ServerID:  serverID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Components: map[string]bool{
				"redis": redisOK,
			},
		})
	}
}

// versionHandler 版本信息
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, &types.VersionResponse{
			Service: serviceName,
			Version: version,
			Go:      runtime.Version(),
		})
	}
}

// debugKeyCountHandler 按前缀统计容量相关 key
func debugKeyCountHandler(redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), redisScanTimeout)
		defer cancel()

		patterns := map[string]string{
			"global_limit":    redis.PrefixGlobalLimit + "*",
			"queue_state":     redis.PrefixQueue + "*",
			"job_queue":       redis.PrefixJobQueue + "*",
			"server_health":   redis.PrefixServerHealth + "*",
			"degraded_marker": redis.PrefixDegradedMarker + "*",
		}

		counts := make(map[string]int, len(patterns))
		total := 0
		for name, pattern := range patterns {
			keys, err := redisClient.ScanKeys(ctx, pattern, redisScanBatchSize)
			if err != nil {
				counts[name] = -1
				logger.Warn("Failed to scan keys", zap.String("pattern", pattern), zap.Error(err))
				continue
			}
			counts[name] = len(keys)
			total += len(keys)
		}

		c.JSON(http.StatusOK, &types.KeyCountResponse{
			Keys:    counts,
			Total:   total,
			Message: "Successfully scanned capacity keys",
		})
	}
}

// debugRedisInfoHandler Redis 大小与延迟
func debugRedisInfoHandler(redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), redisQueryTimeout)
		defer cancel()

		dbSize, err := redisClient.DBSize(ctx)
		if err != nil {
			logger.Error("Failed to get Redis DBSize", zap.Error(err))
			c.JSON(http.StatusInternalServerError, types.NewInternalError("Failed to get Redis info", "redis_unavailable"))
			return
		}
		latency, err := redisClient.PingLatency(ctx)
		if err != nil {
			logger.Error("Failed to ping Redis", zap.Error(err))
			c.JSON(http.StatusInternalServerError, types.NewInternalError("Failed to ping Redis", "redis_unavailable"))
			return
		}

		c.JSON(http.StatusOK, &types.RedisInfoResponse{
			DBSize:    dbSize,
			LatencyMs: float64(latency.Microseconds()) / 1000,
			Message:   "Redis connection OK",
		})
	}
}
