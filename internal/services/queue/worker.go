package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/catstream/capacity-control/internal/pkg/logger"
	"github.com/catstream/capacity-control/internal/storage/redis"
	"go.uber.org/zap"
)

const (
	// DefaultPollInterval 默认轮询间隔
	DefaultPollInterval = time.Second
	// maxJobsPerTick 每轮最多处理的任务数
	maxJobsPerTick = 100
)

// Handler 任务处理函数
type Handler func(ctx context.Context, job *redis.Job) error

// Worker 轮询任务队列：提升到期延迟任务，始终执行控制任务，队列未暂停时执行普通任务
type Worker struct {
	manager  *Manager
	interval time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	stopChan chan struct{}
	done     chan struct{}
}

// NewWorker 创建 worker
func NewWorker(manager *Manager, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Worker{
		manager:  manager,
		interval: interval,
		handlers: make(map[string]Handler),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register 注册任务处理函数
func (w *Worker) Register(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// hasHandlers 未注册任何处理函数时只执行控制任务，普通任务留给其他 worker
func (w *Worker) hasHandlers() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.handlers) > 0
}

// Start 在后台启动轮询循环
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
	logger.Info("👷 Queue worker started",
		zap.String("queue", w.manager.jobs.Name()),
		zap.Duration("interval", w.interval))
}

// Stop 停止轮询并等待当前一轮结束
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.done
	logger.Info("Queue worker stopped", zap.String("queue", w.manager.jobs.Name()))
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				logger.Warn("Queue worker tick failed", zap.Error(err))
			}
		}
	}
}

// RunOnce 执行一轮：提升到期任务并处理可执行任务，返回处理数量
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs := w.manager.jobs

	if _, err := jobs.PromoteDue(ctx); err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	processed := 0
	for processed < maxJobsPerTick {
		// 每个任务前重新读取暂停标志，恢复任务或处理失败都可能改变它
		paused, err := jobs.IsPaused(ctx)
		if err != nil {
			return processed, err
		}
		job, err := jobs.Take(ctx, !paused && w.hasHandlers())
		if err != nil {
			return processed, err
		}
		if job == nil {
			break
		}
		w.process(ctx, job)
		processed++
	}
	return processed, nil
}

func (w *Worker) process(ctx context.Context, job *redis.Job) {
	jobs := w.manager.jobs
	start := time.Now()

	err := w.execute(ctx, job)
	if err == nil {
		if cerr := jobs.Complete(ctx, job); cerr != nil {
			logger.Error("Failed to mark job completed", zap.String("jobId", job.ID), zap.Error(cerr))
		}
		logger.Debug("Job completed",
			zap.String("jobId", job.ID),
			zap.String("name", job.Name),
			zap.Duration("took", time.Since(start)))
		return
	}

	logger.Warn("Job failed",
		zap.String("jobId", job.ID),
		zap.String("name", job.Name),
		zap.Int("attempt", job.AttemptsMade+1),
		zap.Error(err))

	if job.Name != JobResumeQueues {
		if detected, perr := w.manager.HandleProviderError(ctx, err.Error()); perr != nil {
			logger.Error("Failed to pause queue after provider error", zap.Error(perr))
		} else if detected {
			logger.Capacity("Job hit provider usage limit", zap.String("jobId", job.ID))
		}
	}

	if ferr := jobs.Fail(ctx, job, err); ferr != nil {
		logger.Error("Failed to mark job failed", zap.String("jobId", job.ID), zap.Error(ferr))
	}
}

func (w *Worker) execute(ctx context.Context, job *redis.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()

	if job.Name == JobResumeQueues {
		return w.manager.handleResumeJob(ctx, job)
	}

	w.mu.RLock()
	h, ok := w.handlers[job.Name]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for job %q", job.Name)
	}
	return h(ctx, job)
}
