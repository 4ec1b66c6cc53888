package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Session metrics
	RefreshTotal    *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	SessionStatus   *prometheus.GaugeVec

	// Connectivity metrics
	ProbesTotal      *prometheus.CounterVec
	ConnectionState  prometheus.Gauge
	ReconnectAttempt prometheus.Gauge

	// Queue metrics
	OperationsQueued   *prometheus.CounterVec
	OperationsReplayed *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	DeadLetterTotal    prometheus.Counter

	// Store metrics
	StateOperations *prometheus.CounterVec
	StorageDegraded prometheus.Gauge

	// Recovery metrics
	RecoveryOutcomes *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "offlinekit",
		Enabled:   true,
	}
}

// NewMetrics creates all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return nil
	}

	return &Metrics{
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "session_refresh_total",
				Help:      "Total number of session refresh attempts",
			},
			[]string{"outcome", "source"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "session_refresh_duration_seconds",
				Help:      "Duration of upstream session refresh calls",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SessionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "session_status",
				Help:      "Current session status (1 for the active state, 0 otherwise)",
			},
			[]string{"status"},
		),
		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "health_probes_total",
				Help:      "Total number of connectivity probes",
			},
			[]string{"result"},
		),
		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "connection_online",
				Help:      "Whether the backend is currently believed reachable",
			},
		),
		ReconnectAttempt: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "reconnect_attempt",
				Help:      "Current reconnect attempt counter while offline",
			},
		),
		OperationsQueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "queue_operations_total",
				Help:      "Total number of operations queued for deferred replay",
			},
			[]string{"type", "priority"},
		),
		OperationsReplayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "queue_replayed_total",
				Help:      "Total number of replay attempts by outcome",
			},
			[]string{"outcome"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "queue_depth",
				Help:      "Number of operations pending replay",
			},
			[]string{"priority"},
		),
		DeadLetterTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "queue_dead_letter_total",
				Help:      "Total number of operations moved to the dead-letter list",
			},
		),
		StateOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "state_operations_total",
				Help:      "Total number of persisted state operations",
			},
			[]string{"operation", "result"},
		),
		StorageDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "storage_degraded",
				Help:      "Whether the state store has fallen back to in-memory storage",
			},
		),
		RecoveryOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "recovery_outcomes_total",
				Help:      "Recovery policy dispositions by error kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
	}
}

// Register registers all metrics with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	collectors := []prometheus.Collector{
		m.RefreshTotal,
		m.RefreshDuration,
		m.SessionStatus,
		m.ProbesTotal,
		m.ConnectionState,
		m.ReconnectAttempt,
		m.OperationsQueued,
		m.OperationsReplayed,
		m.QueueDepth,
		m.DeadLetterTotal,
		m.StateOperations,
		m.StorageDegraded,
		m.RecoveryOutcomes,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
