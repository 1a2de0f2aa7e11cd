package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// 暂停原因
const (
	PauseReasonUsageLimit  = "usage_limit"
	PauseReasonSystemError = "system_config_error"
)

// QueuePauseState 队列暂停记录
type QueuePauseState struct {
	V                 int    `json:"v"`
	Reason            string `json:"reason"`
	ResetTime         int64  `json:"resetTime,omitempty"` // epoch ms，仅 usage_limit
	ErrorMessage      string `json:"errorMessage,omitempty"`
	ConfigurationType string `json:"configurationType,omitempty"`
	Resolution        string `json:"resolution,omitempty"`
	PausedAt          int64  `json:"pausedAt"`
	PausedBy          string `json:"pausedBy,omitempty"`
	ResumeJobID       string `json:"resumeJobId,omitempty"`
	Generation        int64  `json:"generation"`
}

func (s *QueuePauseState) SchemaVersion() int { return s.V }

// SavePauseState 写入暂停记录与暂停原因；ttl 为 0 表示不过期
func (c *Client) SavePauseState(ctx context.Context, queueName string, state *QueuePauseState, ttl time.Duration) error {
	client, err := c.GetClientSafe()
	if err != nil {
		return err
	}
	data, err := EncodeRecord(state)
	if err != nil {
		return err
	}

	pipe := client.Pipeline()
	pipe.Set(ctx, PauseStateKey(queueName), data, ttl)
	pipe.Set(ctx, PauseReasonKey(queueName), state.Reason, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save pause state: %w", err)
	}
	return nil
}

// GetPauseState 读取暂停记录，不存在返回 nil
func (c *Client) GetPauseState(ctx context.Context, queueName string) (*QueuePauseState, error) {
	var state QueuePauseState
	ok, err := c.GetRecord(ctx, PauseStateKey(queueName), &state)
	if err != nil || !ok {
		return nil, err
	}
	return &state, nil
}

// DeletePauseState 删除暂停记录与暂停原因
func (c *Client) DeletePauseState(ctx context.Context, queueName string) error {
	if _, err := c.Del(ctx, PauseStateKey(queueName), PauseReasonKey(queueName)); err != nil {
		return fmt.Errorf("failed to delete pause state: %w", err)
	}
	return nil
}

// NextPauseGeneration 递增并返回暂停代数
func (c *Client) NextPauseGeneration(ctx context.Context, queueName string) (int64, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return 0, err
	}
	gen, err := client.Incr(ctx, PauseGenerationKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to bump pause generation: %w", err)
	}
	return gen, nil
}

// GetPauseGeneration 读取当前暂停代数，不存在返回 0
func (c *Client) GetPauseGeneration(ctx context.Context, queueName string) (int64, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return 0, err
	}
	raw, err := client.Get(ctx, PauseGenerationKey(queueName)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}
