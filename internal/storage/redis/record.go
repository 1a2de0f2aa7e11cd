package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/catstream/capacity-control/internal/pkg/logger"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RecordVersion 当前记录结构版本
const RecordVersion = 1

// ErrMalformedRecord 记录无法解析或版本不匹配
var ErrMalformedRecord = errors.New("malformed record")

// Record 带版本号的 JSON 记录
type Record interface {
	SchemaVersion() int
}

// EncodeRecord 序列化记录
func EncodeRecord(rec Record) (string, error) {
	if rec.SchemaVersion() != RecordVersion {
		return "", fmt.Errorf("%w: refusing to write version %d", ErrMalformedRecord, rec.SchemaVersion())
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}
	return string(data), nil
}

// DecodeRecord 严格解析记录：未知字段、多余内容或版本不符都视为损坏
func DecodeRecord(raw string, out Record) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrMalformedRecord)
	}
	if out.SchemaVersion() != RecordVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrMalformedRecord, out.SchemaVersion(), RecordVersion)
	}
	return nil
}

// SetRecord 写入记录；ttl 为 0 表示不过期
func (c *Client) SetRecord(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	client, err := c.GetClientSafe()
	if err != nil {
		return err
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// GetRecord 读取记录。不存在或已损坏时返回 false（损坏记录按不存在处理并记录日志）
func (c *Client) GetRecord(ctx context.Context, key string, out Record) (bool, error) {
	client, err := c.GetClientSafe()
	if err != nil {
		return false, err
	}
	raw, err := client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := DecodeRecord(raw, out); err != nil {
		logger.Warn("Ignoring malformed record", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}
