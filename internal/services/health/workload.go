package health

import (
	"context"
	"sort"
	"time"

	"github.com/catstream/capacity-control/internal/pkg/stats"
	"github.com/catstream/capacity-control/internal/storage/postgres"
)

// WorkloadWindow 计算负载指标的时间窗口
const WorkloadWindow = time.Hour

// unknownRegion 未标注区域的构建
const unknownRegion = "unknown"

// BuildSource 最近构建记录来源
type BuildSource interface {
	RecentBuilds(ctx context.Context, since time.Time) ([]postgres.BuildRecord, error)
}

// EmptyBuildSource 未配置构建库时使用
type EmptyBuildSource struct{}

func (EmptyBuildSource) RecentBuilds(context.Context, time.Time) ([]postgres.BuildRecord, error) {
	return nil, nil
}

type workloadAcc struct {
	queued   int
	active   int
	dequeue  []float64
	runtime  []float64
	success  int
	finished int
}

func (a *workloadAcc) add(b postgres.BuildRecord, since time.Time) {
	switch b.Status {
	case postgres.BuildStatusQueued:
		a.queued++
	case postgres.BuildStatusRunning:
		a.active++
	}

	if b.CreatedAt.Before(since) {
		return
	}
	if b.StartedAt != nil {
		a.dequeue = append(a.dequeue, b.StartedAt.Sub(b.CreatedAt).Seconds())
		if b.CompletedAt != nil {
			a.runtime = append(a.runtime, b.CompletedAt.Sub(*b.StartedAt).Seconds())
		}
	}
	switch b.Status {
	case postgres.BuildStatusSucceeded:
		a.success++
		a.finished++
	case postgres.BuildStatusFailed:
		a.finished++
	}
}

func (a *workloadAcc) successRate() float64 {
	if a.finished == 0 {
		return 1
	}
	return float64(a.success) / float64(a.finished)
}

// ComputeWorkload 由最近构建与队列计数计算负载；队列深度 = 排队构建 + 等待中的任务
func ComputeWorkload(builds []postgres.BuildRecord, queue QueueSummary, now time.Time) Workload {
	since := now.Add(-WorkloadWindow)

	var total workloadAcc
	regions := make(map[string]*workloadAcc)
	for _, b := range builds {
		total.add(b, since)

		region := b.Region
		if region == "" {
			region = unknownRegion
		}
		acc, ok := regions[region]
		if !ok {
			acc = &workloadAcc{}
			regions[region] = acc
		}
		acc.add(b, since)
	}

	w := Workload{
		QueueDepth:        total.queued + int(queue.Waiting),
		QueuedBuilds:      total.queued,
		ActiveBuilds:      total.active,
		DequeueP95Seconds: stats.Percentile(total.dequeue, 95),
		RuntimeP95Seconds: stats.Percentile(total.runtime, 95),
		SuccessRate:       total.successRate(),
		SampleSize:        len(total.dequeue),
		Regions:           make([]RegionWorkload, 0, len(regions)),
		Queue:             queue,
	}

	for name, acc := range regions {
		w.Regions = append(w.Regions, RegionWorkload{
			Region:            name,
			QueuedBuilds:      acc.queued,
			ActiveBuilds:      acc.active,
			DequeueP95Seconds: stats.Percentile(acc.dequeue, 95),
			RuntimeP95Seconds: stats.Percentile(acc.runtime, 95),
			SuccessRate:       acc.successRate(),
			Finished:          acc.finished,
		})
	}
	sort.Slice(w.Regions, func(i, j int) bool { return w.Regions[i].Region < w.Regions[j].Region })

	return w
}
