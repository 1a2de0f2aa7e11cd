package middleware

import (
	"net/http"

	"github.com/catstream/capacity-control/internal/config"
	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/catstream/capacity-control/pkg/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DiagnosticsGuard /debug 下 Redis 诊断接口的开关。
// 生产环境默认关闭并返回 404，DEBUG_ROUTES=true 时放行。
func DiagnosticsGuard(cfg *config.ServerConfig) gin.HandlerFunc {
	allowed := cfg.DebugRoutesAllowed()
	if !allowed {
		logger.Info("🔒 Redis diagnostics routes disabled", zap.String("env", cfg.Env))
	}

	return func(c *gin.Context) {
		if !allowed {
			c.AbortWithStatusJSON(http.StatusNotFound, types.NewErrorResponse(
				"Not Found",
				"Capacity diagnostics are disabled in production. Set DEBUG_ROUTES=true to expose them.",
			))
			return
		}
		c.Next()
	}
}
