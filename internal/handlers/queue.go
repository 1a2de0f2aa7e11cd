package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/catstream/capacity-control/internal/services/queue"
	"github.com/catstream/capacity-control/internal/services/usagelimit"
	"github.com/catstream/capacity-control/internal/storage/redis"
	"github.com/catstream/capacity-control/pkg/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxJobDelaySeconds 任务延迟上限（7 天）
const maxJobDelaySeconds = 7 * 24 * 60 * 60

// ProviderLimiter 记录提供商/区域级别的全局限流
type ProviderLimiter interface {
	SetProviderLimit(ctx context.Context, provider, region string, resetAt time.Time, message string) error
}

// QueueHandler 后台任务队列状态与暂停/恢复管理
type QueueHandler struct {
	manager *queue.Manager
	global  ProviderLimiter
	now     func() time.Time
}

// NewQueueHandler 创建队列处理器
func NewQueueHandler(manager *queue.Manager, global ProviderLimiter) *QueueHandler {
	return &QueueHandler{manager: manager, global: global, now: time.Now}
}

// GetStatus 暂停状态与各状态任务数
func (h *QueueHandler) GetStatus(c *gin.Context) {
	stats, err := h.manager.GetQueueStats(c.Request.Context())
	if err != nil {
		logger.Error("Failed to read queue stats", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, types.NewInternalError(err.Error(), "queue_unavailable"))
		return
	}
	c.JSON(http.StatusOK, types.NewSuccessResponse(stats, ""))
}

// Enqueue 添加后台任务
func (h *QueueHandler) Enqueue(c *gin.Context) {
	var req struct {
		Name         string          `json:"name"`
		Payload      json.RawMessage `json:"payload"`
		DelaySeconds int64           `json:"delaySeconds"`
		Attempts     int             `json:"attempts"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if req.Name == queue.JobResumeQueues {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job name is reserved"})
		return
	}
	if req.DelaySeconds < 0 || req.DelaySeconds > maxJobDelaySeconds {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("delaySeconds must be between 0 and %d", maxJobDelaySeconds)})
		return
	}

	var payload interface{}
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	job, err := h.manager.Enqueue(c.Request.Context(), req.Name, payload, redis.JobOptions{
		Delay:    time.Duration(req.DelaySeconds) * time.Second,
		Attempts: req.Attempts,
	})
	if err != nil {
		logger.Error("Failed to enqueue job", zap.String("name", req.Name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewInternalError(err.Error(), "enqueue_failed"))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"success": true, "jobId": job.ID, "state": job.State})
}

// Resume 手动恢复队列（不清除用量限制）
func (h *QueueHandler) Resume(c *gin.Context) {
	resumed, err := h.manager.ResumeQueues(c.Request.Context(), queue.ResumeManual)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewInternalError(err.Error(), "resume_failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "resumed": resumed})
}

// ForceResume 清除用量限制并恢复队列
func (h *QueueHandler) ForceResume(c *gin.Context) {
	if err := h.manager.ForceResumeQueues(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewInternalError(err.Error(), "resume_failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// PauseForSystemError 因配置/系统错误暂停队列，需人工恢复
func (h *QueueHandler) PauseForSystemError(c *gin.Context) {
	var req struct {
		ConfigurationType string `json:"configurationType"`
		Resolution        string `json:"resolution"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ConfigurationType) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "configurationType is required"})
		return
	}

	if err := h.manager.PauseForSystemError(c.Request.Context(), req.ConfigurationType, req.Resolution); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewInternalError(err.Error(), "pause_failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ReportProviderError 上报提供商错误文本；是用量限制时暂停队列，带 provider/region 时同时设置全局限流
func (h *QueueHandler) ReportProviderError(c *gin.Context) {
	var req struct {
		Message  string `json:"message"`
		Provider string `json:"provider"`
		Region   string `json:"region"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	ctx := c.Request.Context()
	detected, err := h.manager.HandleProviderError(ctx, req.Message)
	if err != nil {
		logger.Error("Failed to handle provider error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewInternalError(err.Error(), "provider_error_failed"))
		return
	}

	globalSet := false
	if detected && req.Provider != "" && req.Region != "" && h.global != nil {
		if resetAt, ok := usagelimit.ExtractResetTime(req.Message, h.now()); ok {
			if err := h.global.SetProviderLimit(ctx, req.Provider, req.Region, resetAt, req.Message); err != nil {
				logger.Warn("Failed to set global provider limit from provider error", zap.Error(err))
			} else {
				globalSet = true
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"usageLimit":     detected,
		"globalLimitSet": globalSet,
	})
}
