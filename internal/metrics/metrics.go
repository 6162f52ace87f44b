// Package metrics exposes Prometheus instrumentation for the rank tracker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shoprank"

// Metrics holds every collector. All methods are safe on a nil receiver so
// components can run uninstrumented in tests.
type Metrics struct {
	Enqueued        prometheus.Counter
	Completed       *prometheus.CounterVec
	Retried         prometheus.Counter
	Failed          prometheus.Counter
	ResolveDuration *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge
	Processing      prometheus.Gauge
	Ticks           *prometheus.CounterVec
	MaintenanceRuns *prometheus.CounterVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Enqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "enqueued_total",
			Help: "Tracked items appended to the search queue",
		}),
		Completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "completed_total",
			Help: "Searches that finished, by whether the product was found",
		}, []string{"found"}),
		Retried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "retried_total",
			Help: "Failed searches re-enqueued for another attempt",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "failed_total",
			Help: "Searches dropped after exhausting retries",
		}),
		ResolveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "resolver", Name: "duration_seconds",
			Help:    "Wall time of a single rank resolution",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"strategy", "outcome"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Entries waiting in the search queue",
		}),
		Processing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "processing",
			Help: "1 while the drain loop is running",
		}),
		Ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
			Help: "Scheduler ticks by outcome",
		}, []string{"outcome"}),
		MaintenanceRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "maintenance_runs_total",
			Help: "Maintenance job runs by job and outcome",
		}, []string{"job", "outcome"}),
	}
}

// RegisterSubscribers exposes the live event stream subscriber count read from fn.
func RegisterSubscribers(reg prometheus.Registerer, fn func() int) prometheus.GaugeFunc {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "events", Name: "subscribers",
		Help: "Clients attached to the event stream",
	}, func() float64 { return float64(fn()) })
}

func (m *Metrics) ObserveEnqueued(depth int) {
	if m == nil {
		return
	}
	m.Enqueued.Inc()
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) SetDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) SetProcessing(on bool) {
	if m == nil {
		return
	}
	if on {
		m.Processing.Set(1)
	} else {
		m.Processing.Set(0)
	}
}

// ObserveResolve records one resolution attempt.
func (m *Metrics) ObserveResolve(strategy, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if strategy == "" {
		strategy = "unknown"
	}
	m.ResolveDuration.WithLabelValues(strategy, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveCompleted(found bool) {
	if m == nil {
		return
	}
	label := "false"
	if found {
		label = "true"
	}
	m.Completed.WithLabelValues(label).Inc()
}

func (m *Metrics) ObserveRetried() {
	if m == nil {
		return
	}
	m.Retried.Inc()
}

func (m *Metrics) ObserveFailed() {
	if m == nil {
		return
	}
	m.Failed.Inc()
}

func (m *Metrics) ObserveTick(outcome string) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveMaintenance(job string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.MaintenanceRuns.WithLabelValues(job, outcome).Inc()
}
