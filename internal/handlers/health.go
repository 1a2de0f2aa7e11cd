package handlers

import (
	"net/http"

	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/catstream/capacity-control/internal/services/health"
	"github.com/catstream/capacity-control/pkg/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthHandler 服务器与集群健康
type HealthHandler struct {
	service *health.Service
}

// NewHealthHandler 创建健康处理器
func NewHealthHandler(service *health.Service) *HealthHandler {
	return &HealthHandler{service: service}
}

// GetServer 本服务器当前健康快照；unhealthy 时返回 503
func (h *HealthHandler) GetServer(c *gin.Context) {
	snap := h.service.GetServerHealth(c.Request.Context())

	status := http.StatusOK
	if snap.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, snap)
}

// GetServers 所有仍在心跳期内的服务器快照
func (h *HealthHandler) GetServers(c *gin.Context) {
	servers, err := h.service.GetAllServerHealth(c.Request.Context())
	if err != nil {
		logger.Error("Failed to list server health", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, types.NewInternalError(err.Error(), "health_unavailable"))
		return
	}
	c.JSON(http.StatusOK, types.NewSuccessResponse(servers, ""))
}

// GetCluster 集群健康汇总
func (h *HealthHandler) GetCluster(c *gin.Context) {
	summary, err := h.service.GetClusterHealthSummary(c.Request.Context())
	if err != nil {
		logger.Error("Failed to summarize cluster health", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, types.NewInternalError(err.Error(), "health_unavailable"))
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetDegraded 是否需要展示降级横幅
func (h *HealthHandler) GetDegraded(c *gin.Context) {
	info, err := h.service.GetDegradedStateInfo(c.Request.Context())
	if err != nil {
		logger.Warn("Failed to read degraded state", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"showBanner": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}
