package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutdMetrics
)

// PayoutdMetrics wraps collectors tracking payout engine health.
type PayoutdMetrics struct {
	jobs            *prometheus.CounterVec
	batches         *prometheus.CounterVec
	settled         *prometheus.CounterVec
	confirmLatency  prometheus.Histogram
	notifications   *prometheus.CounterVec
	configErrors    prometheus.Counter
	capRemaining    *prometheus.GaugeVec
	capUtilization  *prometheus.GaugeVec
	pauseEngaged    prometheus.Gauge
	quarantinedJobs prometheus.Gauge
	tickDuration    prometheus.Histogram
}

// Payoutd exposes the metrics registry for payoutd.
func Payoutd() *PayoutdMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutdMetrics{
			jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onton",
				Subsystem: "payoutd",
				Name:      "jobs_total",
				Help:      "Payout job attempts segmented by job kind and outcome.",
			}, []string{"kind", "outcome"}),
			batches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onton",
				Subsystem: "payoutd",
				Name:      "batches_total",
				Help:      "Batch transactions segmented by outcome (confirmed, timeout, recovered, failed).",
			}, []string{"outcome"}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onton",
				Subsystem: "payoutd",
				Name:      "recipients_settled_total",
				Help:      "Recipients marked settled segmented by job kind.",
			}, []string{"kind"}),
			confirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "onton",
				Subsystem: "payoutd",
				Name:      "confirmation_seconds",
				Help:      "Time between broadcasting a batch and observing the sequence advance.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onton",
				Subsystem: "payoutd",
				Name:      "notifications_total",
				Help:      "Winner notifications segmented by outcome.",
			}, []string{"outcome"}),
			configErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "onton",
				Subsystem: "payoutd",
				Name:      "configuration_errors_total",
				Help:      "Fatal configuration failures that require operator intervention.",
			}),
			capRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "onton",
				Subsystem: "payoutd",
				Name:      "cap_remaining",
				Help:      "Remaining daily disbursement cap per job kind in smallest units.",
			}, []string{"kind"}),
			capUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "onton",
				Subsystem: "payoutd",
				Name:      "cap_utilization",
				Help:      "Ratio of consumed cap for the current payout window (0-1).",
			}, []string{"kind"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "onton",
				Subsystem: "payoutd",
				Name:      "pause_engaged",
				Help:      "Indicates whether the payout processor pause guard is active (1) or not (0).",
			}),
			quarantinedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "onton",
				Subsystem: "payoutd",
				Name:      "quarantined_jobs",
				Help:      "Jobs held back after a configuration failure until an operator releases them.",
			}),
			tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "onton",
				Subsystem: "payoutd",
				Name:      "tick_duration_seconds",
				Help:      "Wall time of a full orchestrator tick.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			payoutRegistry.jobs,
			payoutRegistry.batches,
			payoutRegistry.settled,
			payoutRegistry.confirmLatency,
			payoutRegistry.notifications,
			payoutRegistry.configErrors,
			payoutRegistry.capRemaining,
			payoutRegistry.capUtilization,
			payoutRegistry.pauseEngaged,
			payoutRegistry.quarantinedJobs,
			payoutRegistry.tickDuration,
		)
	})
	return payoutRegistry
}

// RecordJob counts a job attempt outcome.
func (m *PayoutdMetrics) RecordJob(kind, outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(labelValue(kind), labelValue(outcome)).Inc()
}

// RecordBatch counts a batch transaction outcome.
func (m *PayoutdMetrics) RecordBatch(outcome string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(labelValue(outcome)).Inc()
}

// RecordSettled adds newly settled recipients.
func (m *PayoutdMetrics) RecordSettled(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.settled.WithLabelValues(labelValue(kind)).Add(float64(count))
}

// ObserveConfirmation records how long a batch took to confirm.
func (m *PayoutdMetrics) ObserveConfirmation(d time.Duration) {
	if m == nil {
		return
	}
	m.confirmLatency.Observe(d.Seconds())
}

// RecordNotification counts a notification outcome.
func (m *PayoutdMetrics) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(labelValue(outcome)).Inc()
}

// RecordConfigurationError counts a fatal configuration failure.
func (m *PayoutdMetrics) RecordConfigurationError() {
	if m == nil {
		return
	}
	m.configErrors.Inc()
}

// RecordCap updates the remaining cap and utilisation gauge for a job kind.
func (m *PayoutdMetrics) RecordCap(kind string, remaining, total *big.Int) {
	if m == nil {
		return
	}
	label := labelValue(kind)
	remainingVal := bigToFloat(remaining)
	m.capRemaining.WithLabelValues(label).Set(remainingVal)
	totalVal := bigToFloat(total)
	utilisation := 0.0
	if totalVal > 0 {
		used := totalVal - remainingVal
		if used < 0 {
			used = 0
		}
		utilisation = used / totalVal
		if utilisation > 1 {
			utilisation = 1
		}
	}
	m.capUtilization.WithLabelValues(label).Set(utilisation)
}

// SetPause toggles the pause_engaged gauge.
func (m *PayoutdMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// SetQuarantined publishes the number of quarantined jobs.
func (m *PayoutdMetrics) SetQuarantined(count int) {
	if m == nil {
		return
	}
	m.quarantinedJobs.Set(float64(count))
}

// ObserveTick records the duration of an orchestrator tick.
func (m *PayoutdMetrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

func labelValue(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
