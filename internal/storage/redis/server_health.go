package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// SaveServerHealth 以心跳 TTL 写入单服务器健康快照
func (c *Client) SaveServerHealth(ctx context.Context, serverID string, snapshot Record, ttl time.Duration) error {
	return c.SetRecord(ctx, ServerHealthKey(serverID), snapshot, ttl)
}

// GetServerHealth 读取单服务器健康快照
func (c *Client) GetServerHealth(ctx context.Context, serverID string, out Record) (bool, error) {
	return c.GetRecord(ctx, ServerHealthKey(serverID), out)
}

// ScanServerIDs 枚举仍在心跳期内的服务器 ID
func (c *Client) ScanServerIDs(ctx context.Context) ([]string, error) {
	keys, err := c.ScanKeys(ctx, PrefixServerHealth+"*", DefaultScanBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to scan server health keys: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, PrefixServerHealth))
	}
	return ids, nil
}

// MarkDegraded 首次进入多项 SLO 违规时记录起始时间，之后仅续期；返回起始时间
func (c *Client) MarkDegraded(ctx context.Context, serverID string, now time.Time) (time.Time, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return time.Time{}, err
	}
	key := DegradedMarkerKey(serverID)

	created, err := client.SetNX(ctx, key, now.UnixMilli(), TTLDegradedMarker).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to set degraded marker: %w", err)
	}
	if created {
		return now, nil
	}

	pipe := client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	pipe.Expire(ctx, key, TTLDegradedMarker)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return time.Time{}, fmt.Errorf("failed to refresh degraded marker: %w", err)
	}

	since, err := parseEpochMs(getCmd.Val())
	if err != nil {
		// 标记损坏：以当前时间重新开始计时
		if err := client.Set(ctx, key, now.UnixMilli(), TTLDegradedMarker).Err(); err != nil {
			return time.Time{}, fmt.Errorf("failed to reset degraded marker: %w", err)
		}
		return now, nil
	}
	return since, nil
}

// GetDegradedSince 读取降级起始时间
func (c *Client) GetDegradedSince(ctx context.Context, serverID string) (time.Time, bool, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return time.Time{}, false, err
	}
	raw, err := client.Get(ctx, DegradedMarkerKey(serverID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	since, err := parseEpochMs(raw)
	if err != nil {
		return time.Time{}, false, nil
	}
	return since, true, nil
}

// ClearDegradedMarker 清除降级标记
func (c *Client) ClearDegradedMarker(ctx context.Context, serverID string) error {
	_, err := c.Del(ctx, DegradedMarkerKey(serverID))
	return err
}

func parseEpochMs(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
