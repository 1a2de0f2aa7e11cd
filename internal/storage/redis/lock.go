package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 分布式锁配置常量
const (
	// DefaultLockTTL 默认锁 TTL
	DefaultLockTTL = 30 * time.Second
	// DefaultLockRetryDelay 默认重试延迟
	DefaultLockRetryDelay = 100 * time.Millisecond
	// DefaultLockMaxRetries 默认最大重试次数
	DefaultLockMaxRetries = 50
)

var (
	// ErrLockBusy 锁已被其他进程持有
	ErrLockBusy = errors.New("lock is held by another owner")
)

// Lua 脚本常量
const (
	// luaLockRelease 释放锁脚本
	luaLockRelease = `
local key = KEYS[1]
local token = ARGV[1]

if redis.call('GET', key) == token then
    return redis.call('DEL', key)
else
    return 0
end
`
)

// LockResult 锁结果
type LockResult struct {
	Token   string // 锁令牌（用于释放）
	Success bool   // 是否成功获取
}

// AcquireLock 获取分布式锁
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (*LockResult, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return nil, err
	}

	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	token := uuid.New().String()

	// SET NX EX 原子操作
	success, err := client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if success {
		logger.Debug("Acquired lock", zap.String("key", lockKey))
	}

	return &LockResult{
		Token:   token,
		Success: success,
	}, nil
}

// ReleaseLock 释放分布式锁
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) (bool, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return false, err
	}

	result, err := client.Eval(ctx, luaLockRelease, []string{lockKey}, token).Result()
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	resultInt, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result type from lock release: %T", result)
	}
	released := resultInt == 1
	if released {
		logger.Debug("Released lock", zap.String("key", lockKey))
	} else {
		logger.Warn("Failed to release lock: token mismatch", zap.String("key", lockKey))
	}

	return released, nil
}

// TryLockWithRetry 重试获取锁
func (c *Client) TryLockWithRetry(ctx context.Context, lockKey string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (string, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultLockMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = DefaultLockRetryDelay
	}

	for i := 0; i < maxRetries; i++ {
		result, err := c.AcquireLock(ctx, lockKey, ttl)
		if err != nil {
			return "", err
		}

		if result.Success {
			return result.Token, nil
		}

		// 等待后重试
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryDelay):
			// 继续重试
		}
	}

	return "", fmt.Errorf("%w: %s after %d retries", ErrLockBusy, lockKey, maxRetries)
}

// WithLockRetry 在持有锁的情况下执行函数（带重试）
func (c *Client) WithLockRetry(ctx context.Context, lockKey string, ttl time.Duration, maxRetries int, fn func() error) error {
	token, err := c.TryLockWithRetry(ctx, lockKey, ttl, maxRetries, DefaultLockRetryDelay)
	if err != nil {
		return err
	}

	defer func() {
		// 调用方 ctx 取消后仍需释放锁
		c.ReleaseLock(context.WithoutCancel(ctx), lockKey, token)
	}()

	return fn()
}
