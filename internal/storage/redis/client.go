package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/catstream/capacity-control/internal/config"
	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 连接池配置常量
const (
	// DefaultPoolSize Redis 默认连接池大小
	DefaultPoolSize = 50
	// DefaultMinIdleConns Redis 默认最小空闲连接数
	DefaultMinIdleConns = 5
	// DefaultScanBatchSize SCAN 默认批次大小
	DefaultScanBatchSize = 500
)

var (
	// ErrNotConnected Redis 未连接错误
	ErrNotConnected = errors.New("redis client is not connected")
)

// Client Redis 客户端封装
type Client struct {
	client      *redis.Client
	isConnected bool
	mu          sync.RWMutex
	cfg         *config.RedisConfig
}

// NewClient 创建未连接的客户端，需调用 Connect
func NewClient() *Client {
	return &Client{}
}

// Wrap 包装已建立的 go-redis 客户端（测试中配合 miniredis 使用）
func Wrap(rdb *redis.Client) *Client {
	return &Client{client: rdb, isConnected: true}
}

// Connect 连接 Redis
func (c *Client) Connect(cfg *config.RedisConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg = cfg

	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.CommandTimeout,
		WriteTimeout: cfg.CommandTimeout,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     DefaultPoolSize,
		MinIdleConns: DefaultMinIdleConns,
	}

	if cfg.EnableTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c.client = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if _, err := c.client.Ping(ctx).Result(); err != nil {
		logger.Error("❌ Failed to connect to Redis", zap.Error(err))
		return err
	}

	c.isConnected = true
	logger.Info("🔗 Redis connected successfully",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("db", cfg.DB))

	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if err := c.client.Close(); err != nil {
			return err
		}
		c.isConnected = false
		logger.Info("👋 Redis disconnected")
	}
	return nil
}

// GetClientSafe 安全获取客户端 (错误时返回 error)
func (c *Client) GetClientSafe() (*redis.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isConnected || c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// ========== 通用操作 ==========

// Get 获取字符串值
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return "", err
	}
	return client.Get(ctx, key).Result()
}

// Set 设置字符串值
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	client, err := c.GetClientSafe()
	if err != nil {
		return err
	}
	return client.Set(ctx, key, value, expiration).Err()
}

// Del 删除键
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return 0, err
	}
	return client.Del(ctx, keys...).Result()
}

// Exists 检查键是否存在
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return false, err
	}
	n, err := client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TTL 获取键剩余生存时间（-1 无过期，-2 不存在，与 Redis 语义一致）
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return 0, err
	}
	return client.TTL(ctx, key).Result()
}

// ScanKeys 使用 SCAN 获取匹配的所有 key (避免阻塞)
func (c *Client) ScanKeys(ctx context.Context, pattern string, count int64) ([]string, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return nil, err
	}

	var keys []string
	var cursor uint64

	for {
		var batch []string
		var err error
		batch, cursor, err = client.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// ========== 健康检查 ==========

// Health 健康检查
func (c *Client) Health(ctx context.Context) error {
	client, err := c.GetClientSafe()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// PingLatency 测量一次 PING 往返延迟
func (c *Client) PingLatency(ctx context.Context) (time.Duration, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// DBSize 获取数据库 key 数量
func (c *Client) DBSize(ctx context.Context) (int64, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return 0, err
	}
	return client.DBSize(ctx).Result()
}
