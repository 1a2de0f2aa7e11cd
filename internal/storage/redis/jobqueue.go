package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 任务状态
const (
	JobStateWaiting   = "waiting"
	JobStateActive    = "active"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
	JobStateDelayed   = "delayed"
)

// 任务队列子 key
const (
	jqWait      = "wait"
	jqControl   = "control"
	jqActive    = "active"
	jqCompleted = "completed"
	jqFailed    = "failed"
	jqDelayed   = "delayed"
	jqPaused    = "paused"
	jqJob       = "job:"
)

// ErrJobNotFound 任务不存在
var ErrJobNotFound = errors.New("job not found")

// JobOptions 入队选项
type JobOptions struct {
	Delay            time.Duration
	Attempts         int
	RemoveOnComplete bool
	RemoveOnFail     bool
	// BypassPause 控制类任务（如自动恢复）在队列暂停时仍会被执行
	BypassPause bool
}

// Job 队列任务
type Job struct {
	V                int             `json:"v"`
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	State            string          `json:"state"`
	Attempts         int             `json:"attempts"`
	AttemptsMade     int             `json:"attemptsMade"`
	RemoveOnComplete bool            `json:"removeOnComplete,omitempty"`
	RemoveOnFail     bool            `json:"removeOnFail,omitempty"`
	BypassPause      bool            `json:"bypassPause,omitempty"`
	CreatedAt        int64           `json:"createdAt"`
	RunAt            int64           `json:"runAt"`
	FinishedAt       int64           `json:"finishedAt,omitempty"`
	FailedReason     string          `json:"failedReason,omitempty"`
}

func (j *Job) SchemaVersion() int { return j.V }

// Decode 解析任务负载
func (j *Job) Decode(out interface{}) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	return json.Unmarshal(j.Payload, out)
}

// JobCounts 各状态任务数量
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// JobQueue 基于 Redis 的后台任务队列，多进程共享
type JobQueue struct {
	redis *Client
	name  string
	now   func() time.Time
}

// NewJobQueue 创建任务队列
func NewJobQueue(redisClient *Client, name string) *JobQueue {
	return &JobQueue{redis: redisClient, name: name, now: time.Now}
}

// WithClock 替换时钟（测试用）
func (q *JobQueue) WithClock(now func() time.Time) *JobQueue {
	q.now = now
	return q
}

// Name 队列名
func (q *JobQueue) Name() string {
	return q.name
}

func (q *JobQueue) key(part string) string {
	return PrefixJobQueue + q.name + ":" + part
}

func (q *JobQueue) readyList(job *Job) string {
	if job.BypassPause {
		return q.key(jqControl)
	}
	return q.key(jqWait)
}

// Add 入队任务；Delay > 0 时进入延迟集合
func (q *JobQueue) Add(ctx context.Context, name string, payload interface{}, opts JobOptions) (*Job, error) {
	client, err := q.redis.GetClientSafe()
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode job payload: %w", err)
		}
		raw = data
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	now := q.now()
	job := &Job{
		V:                RecordVersion,
		ID:               uuid.New().String(),
		Name:             name,
		Payload:          raw,
		State:            JobStateWaiting,
		Attempts:         attempts,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
		BypassPause:      opts.BypassPause,
		CreatedAt:        now.UnixMilli(),
		RunAt:            now.Add(opts.Delay).UnixMilli(),
	}
	if opts.Delay > 0 {
		job.State = JobStateDelayed
	}

	data, err := EncodeRecord(job)
	if err != nil {
		return nil, err
	}

	pipe := client.TxPipeline()
	pipe.Set(ctx, q.key(jqJob+job.ID), data, 0)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, q.key(jqDelayed), goredis.Z{Score: float64(job.RunAt), Member: job.ID})
	} else {
		pipe.RPush(ctx, q.readyList(job), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to add job %s: %w", name, err)
	}

	logger.Debug("Job added",
		zap.String("queue", q.name),
		zap.String("jobId", job.ID),
		zap.String("name", name),
		zap.Duration("delay", opts.Delay))

	return job, nil
}

// Pause 暂停队列（普通任务停止出队，控制任务不受影响）
func (q *JobQueue) Pause(ctx context.Context) error {
	return q.redis.Set(ctx, q.key(jqPaused), "1", 0)
}

// Resume 恢复队列
func (q *JobQueue) Resume(ctx context.Context) error {
	_, err := q.redis.Del(ctx, q.key(jqPaused))
	return err
}

// IsPaused 队列是否已暂停
func (q *JobQueue) IsPaused(ctx context.Context) (bool, error) {
	return q.redis.Exists(ctx, q.key(jqPaused))
}

// GetJob 读取任务
func (q *JobQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	ok, err := q.redis.GetRecord(ctx, q.key(jqJob+id), &job)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

// Remove 移除尚未开始执行的任务；任务已在执行或不存在时返回 false
func (q *JobQueue) Remove(ctx context.Context, id string) (bool, error) {
	client, err := q.redis.GetClientSafe()
	if err != nil {
		return false, err
	}

	pipe := client.TxPipeline()
	zremCmd := pipe.ZRem(ctx, q.key(jqDelayed), id)
	waitCmd := pipe.LRem(ctx, q.key(jqWait), 0, id)
	ctrlCmd := pipe.LRem(ctx, q.key(jqControl), 0, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to remove job %s: %w", id, err)
	}

	removed := zremCmd.Val()+waitCmd.Val()+ctrlCmd.Val() > 0
	if removed {
		if _, err := q.redis.Del(ctx, q.key(jqJob+id)); err != nil {
			return true, fmt.Errorf("failed to delete job record %s: %w", id, err)
		}
		logger.Debug("Job removed", zap.String("queue", q.name), zap.String("jobId", id))
	}
	return removed, nil
}

// PromoteDue 将到期的延迟任务移入就绪列表，返回提升数量
func (q *JobQueue) PromoteDue(ctx context.Context) (int, error) {
	client, err := q.redis.GetClientSafe()
	if err != nil {
		return 0, err
	}

	ids, err := client.ZRangeByScore(ctx, q.key(jqDelayed), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: JobsPromoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		// ZREM 只有一个进程能成功，避免重复提升
		n, err := client.ZRem(ctx, q.key(jqDelayed), id).Result()
		if err != nil {
			return promoted, err
		}
		if n == 0 {
			continue
		}

		job, err := q.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return promoted, err
		}
		job.State = JobStateWaiting
		if err := q.saveJob(ctx, job); err != nil {
			return promoted, err
		}
		if err := client.RPush(ctx, q.readyList(job), id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Take 取出一个可执行任务：优先控制任务；includeWaiting 为 false 时只取控制任务
func (q *JobQueue) Take(ctx context.Context, includeWaiting bool) (*Job, error) {
	client, err := q.redis.GetClientSafe()
	if err != nil {
		return nil, err
	}

	lists := []string{q.key(jqControl)}
	if includeWaiting {
		lists = append(lists, q.key(jqWait))
	}

	for _, list := range lists {
		for {
			id, err := client.LPop(ctx, list).Result()
			if err != nil {
				if errors.Is(err, goredis.Nil) {
					break
				}
				return nil, err
			}

			job, err := q.GetJob(ctx, id)
			if err != nil {
				if errors.Is(err, ErrJobNotFound) {
					continue
				}
				return nil, err
			}

			job.State = JobStateActive
			pipe := client.TxPipeline()
			pipe.SAdd(ctx, q.key(jqActive), id)
			if data, err := EncodeRecord(job); err == nil {
				pipe.Set(ctx, q.key(jqJob+id), data, 0)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, fmt.Errorf("failed to activate job %s: %w", id, err)
			}
			return job, nil
		}
	}
	return nil, nil
}

// Complete 标记任务完成
func (q *JobQueue) Complete(ctx context.Context, job *Job) error {
	client, err := q.redis.GetClientSafe()
	if err != nil {
		return err
	}

	job.AttemptsMade++
	job.State = JobStateCompleted
	job.FinishedAt = q.now().UnixMilli()

	pipe := client.TxPipeline()
	pipe.SRem(ctx, q.key(jqActive), job.ID)
	if job.RemoveOnComplete {
		pipe.Del(ctx, q.key(jqJob+job.ID))
	} else {
		data, err := EncodeRecord(job)
		if err != nil {
			return err
		}
		pipe.Set(ctx, q.key(jqJob+job.ID), data, 0)
		pipe.LPush(ctx, q.key(jqCompleted), job.ID)
		pipe.LTrim(ctx, q.key(jqCompleted), 0, JobsKeepCompleted-1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Fail 记录任务失败；仍有重试次数时重新入队
func (q *JobQueue) Fail(ctx context.Context, job *Job, cause error) error {
	client, err := q.redis.GetClientSafe()
	if err != nil {
		return err
	}

	job.AttemptsMade++
	if cause != nil {
		job.FailedReason = cause.Error()
	}

	pipe := client.TxPipeline()
	pipe.SRem(ctx, q.key(jqActive), job.ID)

	switch {
	case job.AttemptsMade < job.Attempts:
		job.State = JobStateWaiting
		data, err := EncodeRecord(job)
		if err != nil {
			return err
		}
		pipe.Set(ctx, q.key(jqJob+job.ID), data, 0)
		pipe.RPush(ctx, q.readyList(job), job.ID)
	case job.RemoveOnFail:
		pipe.Del(ctx, q.key(jqJob+job.ID))
	default:
		job.State = JobStateFailed
		job.FinishedAt = q.now().UnixMilli()
		data, err := EncodeRecord(job)
		if err != nil {
			return err
		}
		pipe.Set(ctx, q.key(jqJob+job.ID), data, 0)
		pipe.LPush(ctx, q.key(jqFailed), job.ID)
		pipe.LTrim(ctx, q.key(jqFailed), 0, JobsKeepFailed-1)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// Counts 各状态任务数量
func (q *JobQueue) Counts(ctx context.Context) (*JobCounts, error) {
	client, err := q.redis.GetClientSafe()
	if err != nil {
		return nil, err
	}

	pipe := client.Pipeline()
	waitCmd := pipe.LLen(ctx, q.key(jqWait))
	ctrlCmd := pipe.LLen(ctx, q.key(jqControl))
	activeCmd := pipe.SCard(ctx, q.key(jqActive))
	completedCmd := pipe.LLen(ctx, q.key(jqCompleted))
	failedCmd := pipe.LLen(ctx, q.key(jqFailed))
	delayedCmd := pipe.ZCard(ctx, q.key(jqDelayed))
	pausedCmd := pipe.Exists(ctx, q.key(jqPaused))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	return &JobCounts{
		Waiting:   waitCmd.Val() + ctrlCmd.Val(),
		Active:    activeCmd.Val(),
		Completed: completedCmd.Val(),
		Failed:    failedCmd.Val(),
		Delayed:   delayedCmd.Val(),
		Paused:    pausedCmd.Val() > 0,
	}, nil
}

// JobIDs 按状态枚举任务 ID（最多 limit 个）
func (q *JobQueue) JobIDs(ctx context.Context, state string, limit int64) ([]string, error) {
	client, err := q.redis.GetClientSafe()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	switch state {
	case JobStateWaiting:
		ctrl, err := client.LRange(ctx, q.key(jqControl), 0, limit-1).Result()
		if err != nil {
			return nil, err
		}
		wait, err := client.LRange(ctx, q.key(jqWait), 0, limit-1).Result()
		if err != nil {
			return nil, err
		}
		ids := append(ctrl, wait...)
		if int64(len(ids)) > limit {
			ids = ids[:limit]
		}
		return ids, nil
	case JobStateActive:
		ids, err := client.SMembers(ctx, q.key(jqActive)).Result()
		if err != nil {
			return nil, err
		}
		if int64(len(ids)) > limit {
			ids = ids[:limit]
		}
		return ids, nil
	case JobStateCompleted:
		return client.LRange(ctx, q.key(jqCompleted), 0, limit-1).Result()
	case JobStateFailed:
		return client.LRange(ctx, q.key(jqFailed), 0, limit-1).Result()
	case JobStateDelayed:
		return client.ZRange(ctx, q.key(jqDelayed), 0, limit-1).Result()
	default:
		return nil, fmt.Errorf("unknown job state %q", state)
	}
}

func (q *JobQueue) saveJob(ctx context.Context, job *Job) error {
	return q.redis.SetRecord(ctx, q.key(jqJob+job.ID), job, 0)
}
