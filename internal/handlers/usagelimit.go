package handlers

import (
	"net/http"

	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/catstream/capacity-control/internal/services/usagelimit"
	"github.com/catstream/capacity-control/pkg/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UsageLimitHandler 本地用量限制查询与清除
type UsageLimitHandler struct {
	service *usagelimit.Service
}

// NewUsageLimitHandler 创建用量限制处理器
func NewUsageLimitHandler(service *usagelimit.Service) *UsageLimitHandler {
	return &UsageLimitHandler{service: service}
}

// GetStats 用量限制诊断信息
func (h *UsageLimitHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, types.NewSuccessResponse(h.service.GetUsageLimitStats(c.Request.Context()), ""))
}

// Clear 重置时间临近或已过时清除限制
func (h *UsageLimitHandler) Clear(c *gin.Context) {
	cleared, err := h.service.ClearLimit(c.Request.Context())
	if err != nil {
		logger.Error("Failed to clear usage limit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewInternalError(err.Error(), "clear_failed"))
		return
	}

	if !cleared {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"cleared": false,
			"message": "Usage limit is not active or its reset time is more than 60 seconds away",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "cleared": true})
}

// ForceClear 无条件清除限制
func (h *UsageLimitHandler) ForceClear(c *gin.Context) {
	if err := h.service.ForceClearLimit(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewInternalError(err.Error(), "clear_failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
