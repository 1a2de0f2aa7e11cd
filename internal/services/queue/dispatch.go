package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/catstream/capacity-control/internal/storage/redis"
)

// maxErrorBody 错误响应体最多读取的字节数
const maxErrorBody = 64 << 10

// dispatchRequest 转发给执行端的任务描述
type dispatchRequest struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Attempt  int             `json:"attempt"`
	Attempts int             `json:"attempts"`
}

// HTTPDispatcher 把普通任务 POST 给执行端；非 2xx 响应体作为错误文本返回，
// 执行端透传的提供商用量限制错误因此会触发队列暂停
type HTTPDispatcher struct {
	url    string
	client *http.Client
}

// NewHTTPDispatcher 创建 HTTP 任务转发器
func NewHTTPDispatcher(url string, timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Handle 实现 Handler
func (d *HTTPDispatcher) Handle(ctx context.Context, job *redis.Job) error {
	body, err := json.Marshal(dispatchRequest{
		ID:       job.ID,
		Name:     job.Name,
		Payload:  job.Payload,
		Attempt:  job.AttemptsMade + 1,
		Attempts: job.Attempts,
	})
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-ID", job.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch POST to %s: %w", d.url, err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("dispatch returned %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
}
