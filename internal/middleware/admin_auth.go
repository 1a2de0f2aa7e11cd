package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminAuthMiddleware 管理接口认证中间件，使用静态 ADMIN_TOKEN
type AdminAuthMiddleware struct {
	token []byte
}

// NewAdminAuthMiddleware 创建管理员认证中间件；token 为空时所有管理请求都会被拒绝
func NewAdminAuthMiddleware(token string) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{token: []byte(strings.TrimSpace(token))}
}

// Authenticate 管理员认证中间件
func (m *AdminAuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(m.token) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Admin API is disabled",
				"code":  "admin_disabled",
			})
			return
		}

		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authentication token",
				"code":  "missing_token",
			})
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), m.token) != 1 {
			logger.Warn("Admin token rejected",
				zap.String("clientIP", c.ClientIP()),
				zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token",
				"code":  "invalid_token",
			})
			return
		}

		c.Set("admin", true)
		c.Next()
	}
}

// extractToken 从 Authorization 或 x-admin-token 头提取 token
func extractToken(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		}
		return strings.TrimSpace(authHeader)
	}

	return strings.TrimSpace(c.GetHeader("x-admin-token"))
}

// IsAdmin 当前请求是否通过了管理员认证
func IsAdmin(c *gin.Context) bool {
	return c.GetBool("admin")
}
