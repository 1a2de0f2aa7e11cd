package health

import (
	"fmt"
	"time"
)

// SLO 阈值
const (
	// MemoryCeilingBytes RSS 超过该值直接判定为 unhealthy
	MemoryCeilingBytes uint64 = 2 << 30

	RedisLatencyThreshold     = 100 * time.Millisecond
	QueueDepthThreshold       = 50
	DequeueP95Critical        = 60 * time.Second
	DequeueP95Warning         = 30 * time.Second
	RuntimeP95Threshold       = 300 * time.Second
	SuccessRateThreshold      = 0.90
	MultiViolationThreshold   = 2
	SustainedDegradedDuration = 10 * time.Minute
)

// 违规级别
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// EvaluateSLOs 按固定清单列出快照中的 SLO 违规
func EvaluateSLOs(snap *Snapshot) []Violation {
	violations := []Violation{}

	if !snap.Capacity.Available {
		violations = append(violations, Violation{
			Name:     "ai_capacity",
			Severity: SeverityCritical,
			Message:  "AI capacity unavailable",
		})
	}

	latencyLimit := float64(RedisLatencyThreshold.Milliseconds())
	if snap.Redis.LatencyMs > latencyLimit {
		violations = append(violations, Violation{
			Name:      "redis_latency",
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("Redis latency %.0fms exceeds %.0fms", snap.Redis.LatencyMs, latencyLimit),
			Value:     snap.Redis.LatencyMs,
			Threshold: latencyLimit,
		})
	}

	if snap.Workload.QueueDepth > QueueDepthThreshold {
		violations = append(violations, Violation{
			Name:      "queue_depth",
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("Queue depth %d exceeds %d", snap.Workload.QueueDepth, QueueDepthThreshold),
			Value:     float64(snap.Workload.QueueDepth),
			Threshold: QueueDepthThreshold,
		})
	}

	dequeue := snap.Workload.DequeueP95Seconds
	switch {
	case dequeue > DequeueP95Critical.Seconds():
		violations = append(violations, Violation{
			Name:      "dequeue_latency",
			Severity:  SeverityCritical,
			Message:   fmt.Sprintf("Dequeue latency P95 %.1fs exceeds %.0fs", dequeue, DequeueP95Critical.Seconds()),
			Value:     dequeue,
			Threshold: DequeueP95Critical.Seconds(),
		})
	case dequeue > DequeueP95Warning.Seconds():
		violations = append(violations, Violation{
			Name:      "dequeue_latency",
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("Dequeue latency P95 %.1fs exceeds %.0fs", dequeue, DequeueP95Warning.Seconds()),
			Value:     dequeue,
			Threshold: DequeueP95Warning.Seconds(),
		})
	}

	if snap.Workload.RuntimeP95Seconds > RuntimeP95Threshold.Seconds() {
		violations = append(violations, Violation{
			Name:      "build_runtime",
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("Build runtime P95 %.1fs exceeds %.0fs", snap.Workload.RuntimeP95Seconds, RuntimeP95Threshold.Seconds()),
			Value:     snap.Workload.RuntimeP95Seconds,
			Threshold: RuntimeP95Threshold.Seconds(),
		})
	}

	if snap.Workload.SuccessRate < SuccessRateThreshold {
		violations = append(violations, Violation{
			Name:      "success_rate",
			Severity:  SeverityCritical,
			Message:   fmt.Sprintf("Build success rate %.0f%% below %.0f%%", snap.Workload.SuccessRate*100, SuccessRateThreshold*100),
			Value:     snap.Workload.SuccessRate,
			Threshold: SuccessRateThreshold,
		})
	}

	return violations
}
