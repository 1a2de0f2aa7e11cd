package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/catstream/capacity-control/internal/services/capacity"
	"github.com/catstream/capacity-control/internal/services/globallimit"
	"github.com/catstream/capacity-control/pkg/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CapacityHandler AI 容量查询与全局限流管理
type CapacityHandler struct {
	manager         *capacity.Manager
	global          *globallimit.Service
	defaultProvider string
	defaultRegion   string
}

// NewCapacityHandler 创建容量处理器
func NewCapacityHandler(manager *capacity.Manager, global *globallimit.Service, defaultProvider, defaultRegion string) *CapacityHandler {
	return &CapacityHandler{
		manager:         manager,
		global:          global,
		defaultProvider: defaultProvider,
		defaultRegion:   defaultRegion,
	}
}

// GetStatus 所有已配置提供商/区域的容量汇总
func (h *CapacityHandler) GetStatus(c *gin.Context) {
	status := h.manager.GetCapacityStatus(c.Request.Context())
	c.JSON(http.StatusOK, types.NewSuccessResponse(status, ""))
}

// Check 单个提供商/区域的容量判定
func (h *CapacityHandler) Check(c *gin.Context) {
	provider := c.DefaultQuery("provider", h.defaultProvider)
	region := c.DefaultQuery("region", h.defaultRegion)

	check := h.manager.CheckAICapacity(c.Request.Context(), provider, region)
	c.JSON(http.StatusOK, types.NewSuccessResponse(check, ""))
}

// Admit 已通过容量准入中间件的请求
func (h *CapacityHandler) Admit(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"admitted": true,
		"provider": c.GetString("aiProvider"),
		"region":   c.GetString("aiRegion"),
	})
}

type providerRequest struct {
	Provider string `json:"provider"`
	Region   string `json:"region"`
}

func (r *providerRequest) valid() bool {
	r.Provider = strings.TrimSpace(r.Provider)
	r.Region = strings.TrimSpace(r.Region)
	return r.Provider != "" && r.Region != ""
}

// ClearProviderLimit 清除某提供商/区域的全局限流
func (h *CapacityHandler) ClearProviderLimit(c *gin.Context) {
	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider and region are required"})
		return
	}

	cleared, err := h.manager.ClearProviderLimit(c.Request.Context(), req.Provider, req.Region)
	if err != nil {
		logger.Error("Failed to clear provider limit",
			zap.String("provider", req.Provider),
			zap.String("region", req.Region),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewInternalError(err.Error(), "clear_failed"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "cleared": cleared})
}

// SetProviderLimit 手动设置全局限流（resetTime 为 RFC3339，或 resetInSeconds）
func (h *CapacityHandler) SetProviderLimit(c *gin.Context) {
	var req struct {
		providerRequest
		ResetTime      string `json:"resetTime"`
		ResetInSeconds int64  `json:"resetInSeconds"`
		Message        string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !req.valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider and region are required"})
		return
	}

	var resetAt time.Time
	switch {
	case req.ResetTime != "":
		t, err := time.Parse(time.RFC3339, req.ResetTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "resetTime must be RFC3339"})
			return
		}
		resetAt = t
	case req.ResetInSeconds > 0:
		resetAt = time.Now().Add(time.Duration(req.ResetInSeconds) * time.Second)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "resetTime or resetInSeconds is required"})
		return
	}

	if err := h.global.SetProviderLimit(c.Request.Context(), req.Provider, req.Region, resetAt, req.Message); err != nil {
		logger.Error("Failed to set provider limit",
			zap.String("provider", req.Provider),
			zap.String("region", req.Region),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewInternalError(err.Error(), "set_failed"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "resetTime": resetAt.UTC().Format(time.RFC3339)})
}
