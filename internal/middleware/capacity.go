package middleware

import (
	"strings"

	"github.com/catstream/capacity-control/internal/services/capacity"
	"github.com/gin-gonic/gin"
)

// 容量检查使用的请求头
const (
	HeaderProvider    = "X-AI-Provider"
	HeaderRegion      = "X-AI-Region"
	HeaderRequestType = "X-Request-Type"
)

// CapacityGuard 在 AI 路由前做容量准入检查
type CapacityGuard struct {
	manager         *capacity.Manager
	defaultProvider string
	defaultRegion   string
}

// NewCapacityGuard 创建容量准入中间件
func NewCapacityGuard(manager *capacity.Manager, defaultProvider, defaultRegion string) *CapacityGuard {
	return &CapacityGuard{
		manager:         manager,
		defaultProvider: defaultProvider,
		defaultRegion:   defaultRegion,
	}
}

// Require 返回容量准入中间件：无容量时写出 429 并中止
func (g *CapacityGuard) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := headerOr(c, HeaderProvider, g.defaultProvider)
		region := headerOr(c, HeaderRegion, g.defaultRegion)
		requestType := capacity.ParseRequestType(c.GetHeader(HeaderRequestType))

		if !g.manager.HandleCapacityLimits(c, requestType, provider, region) {
			return
		}

		c.Set("aiProvider", provider)
		c.Set("aiRegion", region)
		c.Next()
	}
}

func headerOr(c *gin.Context, name, fallback string) string {
	if v := strings.TrimSpace(c.GetHeader(name)); v != "" {
		return v
	}
	return fallback
}
