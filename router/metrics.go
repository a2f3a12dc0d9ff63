package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation, mirroring the metric families the original
// coordinator exposed (inference_requests_total, request duration,
// gpu_utilization_percent, model_availability) plus routing-specific
// families for health and reactive triggers.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inference_requests_total",
		Help: "Total routed inference requests by terminal status.",
	}, []string{"service", "status"})

	attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inference_attempt_duration_seconds",
		Help:    "Per-target dispatch attempt duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"target"})

	targetHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "target_health_state",
		Help: "Target health: 0 healthy, 1 degraded, 2 unreachable.",
	}, []string{"target"})

	gpuUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpu_utilization_percent",
		Help: "Last reported GPU utilization per target.",
	}, []string{"target"})

	cpuUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cpu_utilization_percent",
		Help: "Last reported CPU utilization per target.",
	}, []string{"target"})

	modelAvailability = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "model_availability",
		Help: "Number of models a target currently advertises.",
	}, []string{"target"})

	reactiveTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reactive_policy_triggers_total",
		Help: "Reactive policy trigger count by policy and action.",
	}, []string{"policy", "action"})
)

func recordRequest(service, status string) {
	requestsTotal.WithLabelValues(service, status).Inc()
}

func recordAttemptDuration(target string, d time.Duration) {
	attemptDuration.WithLabelValues(target).Observe(d.Seconds())
}

func recordHealthState(target string, h HealthState) {
	targetHealth.WithLabelValues(target).Set(float64(h))
}

func recordUtilization(target string, u Utilization) {
	gpuUtilization.WithLabelValues(target).Set(u.GPUPercent)
	cpuUtilization.WithLabelValues(target).Set(u.CPUPercent)
}

func recordModelAvailability(target string, count int) {
	modelAvailability.WithLabelValues(target).Set(float64(count))
}

func recordReactiveTrigger(policy, action string) {
	reactiveTriggers.WithLabelValues(policy, action).Inc()
}
