// Package metrics 以 Prometheus gauge 暴露容量、队列与健康状态。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 健康状态标签值
var healthStatuses = []string{"healthy", "degraded", "unhealthy"}

// Metrics 进程内的容量相关指标
type Metrics struct {
	capacityAvailable *prometheus.GaugeVec
	usageLimitActive  prometheus.Gauge
	queuePaused       prometheus.Gauge
	queueJobs         *prometheus.GaugeVec
	healthStatus      *prometheus.GaugeVec
	sloViolations     prometheus.Gauge
}

// New 在 reg 上注册全部指标；reg 为 nil 时使用默认注册表
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		capacityAvailable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ai_capacity_available",
			Help: "1 if AI capacity is available for the provider/region, 0 otherwise",
		}, []string{"provider", "region"}),
		usageLimitActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ai_usage_limit_active",
			Help: "1 while the local provider usage limit is active",
		}),
		queuePaused: factory.NewGauge(prometheus.GaugeOpts{
			Name: "job_queue_paused",
			Help: "1 while the background job queue is paused",
		}),
		queueJobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "job_queue_jobs",
			Help: "Number of jobs in the background queue by state",
		}, []string{"state"}),
		healthStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "server_health_status",
			Help: "1 for the current server health status, 0 for the others",
		}, []string{"status"}),
		sloViolations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "server_slo_violations",
			Help: "Number of SLO violations in the latest health snapshot",
		}),
	}
}

// SetCapacity 记录单个提供商/区域的可用性
func (m *Metrics) SetCapacity(provider, region string, available bool) {
	m.capacityAvailable.WithLabelValues(provider, region).Set(boolValue(available))
}

// SetUsageLimitActive 记录本地用量限制
func (m *Metrics) SetUsageLimitActive(active bool) {
	m.usageLimitActive.Set(boolValue(active))
}

// SetQueue 记录队列状态与各状态任务数
func (m *Metrics) SetQueue(paused bool, counts map[string]int64) {
	m.queuePaused.Set(boolValue(paused))
	for state, n := range counts {
		m.queueJobs.WithLabelValues(state).Set(float64(n))
	}
}

// SetHealth 记录健康状态与违规数量
func (m *Metrics) SetHealth(status string, violations int) {
	for _, s := range healthStatuses {
		m.healthStatus.WithLabelValues(s).Set(boolValue(s == status))
	}
	m.sloViolations.Set(float64(violations))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
