package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/catstream/capacity-control/internal/storage/redis"
	"go.uber.org/zap"
)

// JobResumeQueues 自动恢复任务名
const JobResumeQueues = "resume-queues"

// 恢复原因
const (
	ResumeAutomatic = "automatic"
	ResumeManual    = "manual"
)

// pauseLockRetries 获取暂停锁的最大重试次数
const pauseLockRetries = 50

// LimitSource 本地用量限制
type LimitSource interface {
	IsLimitActive(ctx context.Context) bool
	GetResetTime(ctx context.Context) (time.Time, bool)
	GetErrorMessage(ctx context.Context) (string, bool)
	ForceClearLimit(ctx context.Context) error
	RecordProviderError(ctx context.Context, text string) (bool, time.Time, error)
}

// PauseState 队列暂停状态
type PauseState struct {
	Queue             string     `json:"queue"`
	Paused            bool       `json:"paused"`
	Reason            string     `json:"reason,omitempty"`
	ResetTime         *time.Time `json:"resetTime,omitempty"`
	RemainingSeconds  int        `json:"remainingSeconds,omitempty"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	ConfigurationType string     `json:"configurationType,omitempty"`
	Resolution        string     `json:"resolution,omitempty"`
	PausedAt          *time.Time `json:"pausedAt,omitempty"`
	PausedBy          string     `json:"pausedBy,omitempty"`
	ResumeJobID       string     `json:"resumeJobId,omitempty"`
	Generation        int64      `json:"generation"`
}

// Stats 队列统计
type Stats struct {
	Queue     string      `json:"queue"`
	Waiting   int64       `json:"waiting"`
	Active    int64       `json:"active"`
	Completed int64       `json:"completed"`
	Failed    int64       `json:"failed"`
	Delayed   int64       `json:"delayed"`
	Pause     *PauseState `json:"pause"`
}

// resumePayload 自动恢复任务负载
type resumePayload struct {
	Generation int64  `json:"generation"`
	Reason     string `json:"reason"`
}

// Manager 让后台任务队列的暂停/恢复与容量状态保持一致
type Manager struct {
	redis    *redis.Client
	jobs     *redis.JobQueue
	limits   LimitSource
	serverID string
	now      func() time.Time
}

// NewManager 创建队列管理器
func NewManager(redisClient *redis.Client, jobs *redis.JobQueue, limits LimitSource, serverID string) *Manager {
	return &Manager{
		redis:    redisClient,
		jobs:     jobs,
		limits:   limits,
		serverID: serverID,
		now:      time.Now,
	}
}

// WithClock 替换时钟（测试用），同时作用于任务队列
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	m.jobs.WithClock(now)
	return m
}

// Jobs 底层任务队列
func (m *Manager) Jobs() *redis.JobQueue {
	return m.jobs
}

func (m *Manager) withPauseLock(ctx context.Context, fn func() error) error {
	return m.redis.WithLockRetry(ctx, redis.PauseLockKey(m.jobs.Name()), redis.TTLPauseLock, pauseLockRetries, fn)
}

// PauseForUsageLimit 因用量限制暂停队列，并安排在重置时间自动恢复。重置时间已过时不做任何事。
func (m *Manager) PauseForUsageLimit(ctx context.Context, resetTime time.Time, errorMessage string) error {
	if !resetTime.After(m.now()) {
		logger.Debug("Usage limit already reset, not pausing queue",
			zap.String("queue", m.jobs.Name()),
			zap.Time("resetTime", resetTime))
		return nil
	}

	return m.withPauseLock(ctx, func() error {
		now := m.now()
		if !resetTime.After(now) {
			return nil
		}

		current, err := m.redis.GetPauseState(ctx, m.jobs.Name())
		if err != nil {
			return fmt.Errorf("failed to read pause state: %w", err)
		}
		if current != nil {
			switch {
			case current.Reason == redis.PauseReasonSystemError:
				logger.Warn("Queue paused for system error, keeping it until manual resume",
					zap.String("queue", m.jobs.Name()))
				return nil
			case current.Reason == redis.PauseReasonUsageLimit && current.ResetTime == resetTime.UnixMilli():
				return nil
			}
		}

		gen, err := m.redis.NextPauseGeneration(ctx, m.jobs.Name())
		if err != nil {
			return err
		}
		if current != nil && current.ResumeJobID != "" {
			m.cancelResumeJob(ctx, current.ResumeJobID)
		}

		if err := m.jobs.Pause(ctx); err != nil {
			return fmt.Errorf("failed to pause queue: %w", err)
		}

		delay := resetTime.Sub(now)
		job, err := m.jobs.Add(ctx, JobResumeQueues, resumePayload{Generation: gen, Reason: ResumeAutomatic}, redis.JobOptions{
			Delay:            delay,
			Attempts:         1,
			RemoveOnComplete: true,
			RemoveOnFail:     true,
			BypassPause:      true,
		})
		if err != nil {
			// 没有恢复任务的暂停无人解除
			if resumeErr := m.jobs.Resume(ctx); resumeErr != nil {
				logger.Error("Failed to undo queue pause after resume scheduling failed",
					zap.String("queue", m.jobs.Name()),
					zap.Error(resumeErr))
			}
			return fmt.Errorf("failed to schedule queue resume: %w", err)
		}

		state := &redis.QueuePauseState{
			V:            redis.RecordVersion,
			Reason:       redis.PauseReasonUsageLimit,
			ResetTime:    resetTime.UnixMilli(),
			ErrorMessage: errorMessage,
			PausedAt:     now.UnixMilli(),
			PausedBy:     m.serverID,
			ResumeJobID:  job.ID,
			Generation:   gen,
		}
		if err := m.redis.SavePauseState(ctx, m.jobs.Name(), state, redis.TTLUntil(state.ResetTime, now)); err != nil {
			return err
		}

		logger.Capacity("⏸️ Queue paused for usage limit",
			zap.String("queue", m.jobs.Name()),
			zap.Time("resetTime", resetTime),
			zap.Duration("resumeIn", delay),
			zap.String("resumeJobId", job.ID),
			zap.Int64("generation", gen))
		return nil
	})
}

// PauseForSystemError 因需要人工处理的配置错误暂停队列；不过期，不安排自动恢复
func (m *Manager) PauseForSystemError(ctx context.Context, configurationType, resolution string) error {
	return m.withPauseLock(ctx, func() error {
		current, err := m.redis.GetPauseState(ctx, m.jobs.Name())
		if err != nil {
			return fmt.Errorf("failed to read pause state: %w", err)
		}

		gen, err := m.redis.NextPauseGeneration(ctx, m.jobs.Name())
		if err != nil {
			return err
		}
		if current != nil && current.ResumeJobID != "" {
			m.cancelResumeJob(ctx, current.ResumeJobID)
		}

		if err := m.jobs.Pause(ctx); err != nil {
			return fmt.Errorf("failed to pause queue: %w", err)
		}

		state := &redis.QueuePauseState{
			V:                 redis.RecordVersion,
			Reason:            redis.PauseReasonSystemError,
			ConfigurationType: configurationType,
			Resolution:        resolution,
			PausedAt:          m.now().UnixMilli(),
			PausedBy:          m.serverID,
			Generation:        gen,
		}
		if err := m.redis.SavePauseState(ctx, m.jobs.Name(), state, 0); err != nil {
			return err
		}

		logger.Error("🛑 Queue paused for system configuration error",
			zap.String("queue", m.jobs.Name()),
			zap.String("configurationType", configurationType),
			zap.String("resolution", resolution))
		return nil
	})
}

// ResumeQueues 恢复队列并取消已安排的自动恢复任务。未暂停时不做任何事，返回 false。
func (m *Manager) ResumeQueues(ctx context.Context, reason string) (bool, error) {
	return m.resume(ctx, reason, 0)
}

// resume expectGeneration > 0 时只在暂停代数一致时恢复
func (m *Manager) resume(ctx context.Context, reason string, expectGeneration int64) (bool, error) {
	resumed := false
	err := m.withPauseLock(ctx, func() error {
		if expectGeneration > 0 {
			gen, err := m.redis.GetPauseGeneration(ctx, m.jobs.Name())
			if err != nil {
				return err
			}
			if gen != expectGeneration {
				logger.Info("Skipping stale queue resume",
					zap.String("queue", m.jobs.Name()),
					zap.Int64("jobGeneration", expectGeneration),
					zap.Int64("currentGeneration", gen))
				return nil
			}
		}

		paused, err := m.jobs.IsPaused(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue pause flag: %w", err)
		}
		if !paused {
			return nil
		}

		state, err := m.redis.GetPauseState(ctx, m.jobs.Name())
		if err != nil {
			return fmt.Errorf("failed to read pause state: %w", err)
		}

		// 任何恢复都使已安排的恢复任务失效
		if _, err := m.redis.NextPauseGeneration(ctx, m.jobs.Name()); err != nil {
			return err
		}
		if state != nil && state.ResumeJobID != "" {
			m.cancelResumeJob(ctx, state.ResumeJobID)
		}

		if err := m.jobs.Resume(ctx); err != nil {
			return fmt.Errorf("failed to resume queue: %w", err)
		}
		if err := m.redis.DeletePauseState(ctx, m.jobs.Name()); err != nil {
			return err
		}

		resumed = true
		fields := []zap.Field{
			zap.String("queue", m.jobs.Name()),
			zap.String("reason", reason),
		}
		if state != nil {
			fields = append(fields, zap.String("pauseReason", state.Reason))
		}
		logger.Capacity("▶️ Queue resumed", fields...)
		return nil
	})
	return resumed, err
}

// cancelResumeJob 尽力移除已安排的恢复任务；失败时依赖代数校验
func (m *Manager) cancelResumeJob(ctx context.Context, jobID string) {
	removed, err := m.jobs.Remove(ctx, jobID)
	if err != nil {
		logger.Warn("Failed to cancel scheduled resume job",
			zap.String("jobId", jobID),
			zap.Error(err))
		return
	}
	if removed {
		logger.Debug("Cancelled scheduled resume job", zap.String("jobId", jobID))
	}
}

// handleResumeJob 执行自动恢复任务
func (m *Manager) handleResumeJob(ctx context.Context, job *redis.Job) error {
	var payload resumePayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	if payload.Generation <= 0 {
		return errors.New("resume job without pause generation")
	}
	reason := payload.Reason
	if reason == "" {
		reason = ResumeAutomatic
	}
	_, err := m.resume(ctx, reason, payload.Generation)
	return err
}

// CheckAndPauseForUsageLimit 让队列暂停状态与用量限制保持一致，返回限制是否生效。
// 限制生效但队列未按该限制暂停时补上暂停；限制已解除而队列仍停在用量暂停上时恢复队列。
func (m *Manager) CheckAndPauseForUsageLimit(ctx context.Context) (bool, error) {
	if !m.limits.IsLimitActive(ctx) {
		return false, m.resumeOrphanedPause(ctx)
	}
	resetTime, ok := m.limits.GetResetTime(ctx)
	if !ok {
		logger.Warn("Usage limit active but reset time unavailable, not pausing",
			zap.String("queue", m.jobs.Name()))
		return true, nil
	}
	message, _ := m.limits.GetErrorMessage(ctx)
	if err := m.PauseForUsageLimit(ctx, resetTime, message); err != nil {
		return true, err
	}
	return true, nil
}

// resumeOrphanedPause 恢复失去恢复任务的用量暂停；系统错误暂停和未到重置时间的暂停保持不变
func (m *Manager) resumeOrphanedPause(ctx context.Context) error {
	paused, err := m.jobs.IsPaused(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue pause flag: %w", err)
	}
	if !paused {
		return nil
	}

	state, err := m.redis.GetPauseState(ctx, m.jobs.Name())
	if err != nil {
		return fmt.Errorf("failed to read pause state: %w", err)
	}
	if state != nil {
		if state.Reason == redis.PauseReasonSystemError {
			return nil
		}
		if state.ResetTime > m.now().UnixMilli() {
			return nil
		}
	}

	// 读取后若有新的暂停，代数会变化，resume 将跳过
	gen, err := m.redis.GetPauseGeneration(ctx, m.jobs.Name())
	if err != nil {
		return err
	}

	logger.Warn("Queue paused without active usage limit, resuming",
		zap.String("queue", m.jobs.Name()),
		zap.Int64("generation", gen))
	_, err = m.resume(ctx, ResumeAutomatic, gen)
	return err
}

// HandleProviderError 识别提供商错误；是用量限制时记录限制并暂停队列
func (m *Manager) HandleProviderError(ctx context.Context, text string) (bool, error) {
	detected, resetTime, err := m.limits.RecordProviderError(ctx, text)
	if err != nil {
		return detected, err
	}
	if !detected {
		return false, nil
	}
	return true, m.PauseForUsageLimit(ctx, resetTime, text)
}

// ForceResumeQueues 管理员操作：清除用量限制并恢复队列
func (m *Manager) ForceResumeQueues(ctx context.Context) error {
	clearErr := m.limits.ForceClearLimit(ctx)
	if clearErr != nil {
		clearErr = fmt.Errorf("failed to clear usage limit: %w", clearErr)
	}
	_, resumeErr := m.ResumeQueues(ctx, ResumeManual)
	if err := errors.Join(clearErr, resumeErr); err != nil {
		return err
	}
	logger.Capacity("🔓 Queue force resumed", zap.String("queue", m.jobs.Name()))
	return nil
}

// IsPaused 队列是否暂停
func (m *Manager) IsPaused(ctx context.Context) (bool, error) {
	return m.jobs.IsPaused(ctx)
}

// GetPauseState 读取当前暂停状态
func (m *Manager) GetPauseState(ctx context.Context) (*PauseState, error) {
	paused, err := m.jobs.IsPaused(ctx)
	if err != nil {
		return nil, err
	}
	state := &PauseState{Queue: m.jobs.Name(), Paused: paused}

	rec, err := m.redis.GetPauseState(ctx, m.jobs.Name())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return state, nil
	}

	state.Reason = rec.Reason
	state.ErrorMessage = rec.ErrorMessage
	state.ConfigurationType = rec.ConfigurationType
	state.Resolution = rec.Resolution
	state.PausedBy = rec.PausedBy
	state.ResumeJobID = rec.ResumeJobID
	state.Generation = rec.Generation
	if rec.PausedAt > 0 {
		t := time.UnixMilli(rec.PausedAt)
		state.PausedAt = &t
	}
	if rec.ResetTime > 0 {
		t := time.UnixMilli(rec.ResetTime)
		state.ResetTime = &t
		if remaining := t.Sub(m.now()); remaining > 0 {
			state.RemainingSeconds = int((remaining + time.Second - 1) / time.Second)
		}
	}
	return state, nil
}

// GetQueueStats 各状态任务数量与暂停状态
func (m *Manager) GetQueueStats(ctx context.Context) (*Stats, error) {
	counts, err := m.jobs.Counts(ctx)
	if err != nil {
		return nil, err
	}
	pause, err := m.GetPauseState(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Queue:     m.jobs.Name(),
		Waiting:   counts.Waiting,
		Active:    counts.Active,
		Completed: counts.Completed,
		Failed:    counts.Failed,
		Delayed:   counts.Delayed,
		Pause:     pause,
	}, nil
}

// Enqueue 添加普通后台任务
func (m *Manager) Enqueue(ctx context.Context, name string, payload interface{}, opts redis.JobOptions) (*redis.Job, error) {
	if name == JobResumeQueues {
		return nil, fmt.Errorf("job name %q is reserved", name)
	}
	opts.BypassPause = false
	return m.jobs.Add(ctx, name, payload, opts)
}

