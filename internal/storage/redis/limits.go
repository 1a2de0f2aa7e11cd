package redis

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// UsageLimitRecord 本地 AI 用量限制记录，TTL 等于距重置的剩余时间
type UsageLimitRecord struct {
	V            int    `json:"v"`
	ResetTime    int64  `json:"resetTime"` // epoch ms
	ErrorMessage string `json:"errorMessage"`
	SetAt        int64  `json:"setAt"` // epoch ms
}

func (r *UsageLimitRecord) SchemaVersion() int { return r.V }

// GlobalProviderLimit 按提供商/区域划分的全局限流记录
type GlobalProviderLimit struct {
	V        int    `json:"v"`
	Provider string `json:"provider"`
	Region   string `json:"region"`
	ResetAt  int64  `json:"resetAt"` // epoch ms
	SetBy    string `json:"setBy"`
	Message  string `json:"message,omitempty"`
	SetAt    int64  `json:"setAt"`
}

func (r *GlobalProviderLimit) SchemaVersion() int { return r.V }

// KeyStat key 存在性与 TTL
type KeyStat struct {
	Exists bool
	TTL    time.Duration
}

// TTLUntil 计算到 resetMs 的 TTL，精确到毫秒（go-redis 对非整秒 TTL 使用 PX），不小于 TTLMinRecord
func TTLUntil(resetMs int64, now time.Time) time.Duration {
	ttl := time.Duration(resetMs-now.UnixMilli()) * time.Millisecond
	if ttl < TTLMinRecord {
		ttl = TTLMinRecord
	}
	return ttl
}

// ========== 本地用量限制 ==========

// SetUsageLimit 写入用量限制记录（SET EX 原子写入）
func (c *Client) SetUsageLimit(ctx context.Context, rec *UsageLimitRecord, ttl time.Duration) error {
	return c.SetRecord(ctx, KeyUsageLimit, rec, ttl)
}

// GetUsageLimit 读取用量限制记录，不存在返回 nil
func (c *Client) GetUsageLimit(ctx context.Context) (*UsageLimitRecord, error) {
	var rec UsageLimitRecord
	ok, err := c.GetRecord(ctx, KeyUsageLimit, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// UsageLimitExists 检查用量限制是否存在
func (c *Client) UsageLimitExists(ctx context.Context) (bool, error) {
	return c.Exists(ctx, KeyUsageLimit)
}

// UsageLimitKeyStat 返回用量限制 key 的存在性与 TTL
func (c *Client) UsageLimitKeyStat(ctx context.Context) (*KeyStat, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return nil, err
	}
	pipe := client.Pipeline()
	existsCmd := pipe.Exists(ctx, KeyUsageLimit)
	ttlCmd := pipe.TTL(ctx, KeyUsageLimit)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &KeyStat{Exists: existsCmd.Val() > 0, TTL: ttlCmd.Val()}, nil
}

// DeleteUsageLimit 删除用量限制记录
func (c *Client) DeleteUsageLimit(ctx context.Context) error {
	_, err := c.Del(ctx, KeyUsageLimit)
	return err
}

// ========== 全局提供商限流 ==========

// SetGlobalLimit 写入全局限流记录
func (c *Client) SetGlobalLimit(ctx context.Context, rec *GlobalProviderLimit, ttl time.Duration) error {
	return c.SetRecord(ctx, GlobalLimitKey(rec.Provider, rec.Region), rec, ttl)
}

// GetGlobalLimit 读取全局限流记录，不存在返回 nil
func (c *Client) GetGlobalLimit(ctx context.Context, provider, region string) (*GlobalProviderLimit, error) {
	var rec GlobalProviderLimit
	ok, err := c.GetRecord(ctx, GlobalLimitKey(provider, region), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// GlobalLimitExists 检查全局限流是否存在
func (c *Client) GlobalLimitExists(ctx context.Context, provider, region string) (bool, error) {
	return c.Exists(ctx, GlobalLimitKey(provider, region))
}

// ScanGlobalLimits 扫描所有仍有效的全局限流记录
func (c *Client) ScanGlobalLimits(ctx context.Context) ([]*GlobalProviderLimit, error) {
	keys, err := c.ScanKeys(ctx, PrefixGlobalLimit+"*", DefaultScanBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to scan global limits: %w", err)
	}

	limits := make([]*GlobalProviderLimit, 0, len(keys))
	for _, key := range keys {
		var rec GlobalProviderLimit
		ok, err := c.GetRecord(ctx, key, &rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		// key 与记录内容不一致时以 key 为准
		if parts := strings.SplitN(strings.TrimPrefix(key, PrefixGlobalLimit), ":", 2); len(parts) == 2 {
			rec.Provider, rec.Region = parts[0], parts[1]
		}
		limits = append(limits, &rec)
	}
	return limits, nil
}

// DeleteGlobalLimit 删除全局限流记录
func (c *Client) DeleteGlobalLimit(ctx context.Context, provider, region string) (bool, error) {
	n, err := c.Del(ctx, GlobalLimitKey(provider, region))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
