package handlers

import "github.com/gin-gonic/gin"

// Set 全部 API 处理器
type Set struct {
	Capacity   *CapacityHandler
	UsageLimit *UsageLimitHandler
	Queue      *QueueHandler
	Health     *HealthHandler
}

// Register 注册 /api 与 /admin 路由；adminAuth 保护 /admin，capacityGuard 保护准入接口
func Register(router gin.IRouter, h *Set, adminAuth, capacityGuard gin.HandlerFunc) {
	api := router.Group("/api")
	{
		api.GET("/capacity", h.Capacity.GetStatus)
		api.GET("/capacity/check", h.Capacity.Check)
		api.POST("/capacity/admit", capacityGuard, h.Capacity.Admit)

		api.GET("/usage-limit", h.UsageLimit.GetStats)

		api.GET("/queue", h.Queue.GetStatus)
		api.POST("/jobs", h.Queue.Enqueue)

		api.GET("/health/server", h.Health.GetServer)
		api.GET("/health/servers", h.Health.GetServers)
		api.GET("/health/cluster", h.Health.GetCluster)
		api.GET("/health/degraded", h.Health.GetDegraded)
	}

	admin := router.Group("/admin")
	admin.Use(adminAuth)
	{
		admin.POST("/capacity/clear-provider", h.Capacity.ClearProviderLimit)
		admin.POST("/capacity/provider-limit", h.Capacity.SetProviderLimit)

		admin.POST("/usage-limit/clear", h.UsageLimit.Clear)
		admin.POST("/usage-limit/force-clear", h.UsageLimit.ForceClear)

		admin.POST("/queue/resume", h.Queue.Resume)
		admin.POST("/queue/force-resume", h.Queue.ForceResume)
		admin.POST("/queue/pause-system", h.Queue.PauseForSystemError)

		admin.POST("/provider-error", h.Queue.ReportProviderError)
	}
}
