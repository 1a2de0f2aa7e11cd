package capacity

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestType 请求类型，决定容量不足时的响应体
type RequestType string

const (
	// RequestInteractive 用户正在等待结果
	RequestInteractive RequestType = "interactive"
	// RequestBackground 后台任务，可排队
	RequestBackground RequestType = "background"
)

// ParseRequestType 解析请求类型，未知值按交互式处理
func ParseRequestType(raw string) RequestType {
	if RequestType(raw) == RequestBackground {
		return RequestBackground
	}
	return RequestInteractive
}

// HandleCapacityLimits 检查容量，返回调用方能否继续处理请求。
// 不可用时写入 429 响应并中断请求，返回 false；可用时不修改响应，返回 true。
func (m *Manager) HandleCapacityLimits(c *gin.Context, requestType RequestType, provider, region string) bool {
	check := m.CheckAICapacity(c.Request.Context(), provider, region)
	if check.Available {
		return true
	}

	c.Header("Retry-After", strconv.Itoa(check.RetryAfterSeconds))
	c.Header("X-RateLimit-Limit-Type", string(check.LimitType))
	if check.ResetTime != nil {
		c.Header("X-RateLimit-Reset", check.ResetTime.UTC().Format(time.RFC3339))
	}
	c.Header("X-Capacity-Recommendation", string(check.Recommendation))

	logger.Capacity("🚦 AI capacity unavailable, rejecting request",
		zap.String("requestType", string(requestType)),
		zap.String("provider", provider),
		zap.String("region", region),
		zap.String("limitType", string(check.LimitType)),
		zap.Int("retryAfter", check.RetryAfterSeconds))

	body := gin.H{
		"limitType":      check.LimitType,
		"retryAfter":     check.RetryAfterSeconds,
		"recommendation": check.Recommendation,
		"provider":       provider,
		"region":         region,
	}
	if check.ResetTime != nil {
		body["resetTime"] = check.ResetTime.UTC().Format(time.RFC3339)
	}

	if requestType == RequestBackground {
		body["error"] = "AI capacity unavailable"
		body["code"] = "ai_capacity_queued"
		body["message"] = "AI capacity is exhausted. Submit this work to the job queue; it will run automatically when capacity returns."
		body["queueRecommended"] = true
	} else {
		body["error"] = "AI capacity temporarily unavailable"
		body["code"] = "ai_capacity_exhausted"
		body["message"] = fmt.Sprintf("AI features are temporarily unavailable. Please retry in %s.", waitPhrase(check.RetryAfterSeconds))
		body["suggestedActions"] = GetSuggestedActions(check)
	}

	c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
	return false
}

// GetSuggestedActions 根据等待时长与限流来源生成给用户的建议
func GetSuggestedActions(check *Check) []string {
	if check == nil || check.Available {
		return []string{}
	}

	actions := make([]string, 0, 3)
	switch {
	case check.RetryAfterSeconds <= 60:
		actions = append(actions, "Try again in 1 minute")
	case check.RetryAfterSeconds <= RetryLaterThresholdSeconds:
		actions = append(actions, "Try again in "+waitPhrase(check.RetryAfterSeconds))
	default:
		actions = append(actions, "Try again later")
		actions = append(actions, "Queue this work as a background job")
	}

	switch check.LimitType {
	case LimitGlobal, LimitBoth:
		actions = append(actions, "This limit affects all servers")
	case LimitLocal:
		actions = append(actions, "Try a different server")
	}
	return actions
}

// waitPhrase 将秒数转为分钟描述
func waitPhrase(seconds int) string {
	if seconds <= 60 {
		return "1 minute"
	}
	if seconds > RetryLaterThresholdSeconds {
		return "a few minutes"
	}
	minutes := int(math.Round(float64(seconds) / 60))
	return fmt.Sprintf("%d minutes", minutes)
}
