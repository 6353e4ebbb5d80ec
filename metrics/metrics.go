// Package metrics holds the coordinator's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xatm"

type Metrics struct {
	// Transaction metrics
	TransactionsBegun     prometheus.Counter
	TransactionsCompleted *prometheus.CounterVec
	CommitDuration        *prometheus.HistogramVec
	PhaseTwoRetries       prometheus.Counter
	InDoubt               prometheus.Gauge
	Heuristic             prometheus.Gauge

	// Recovery metrics
	RecoveryPasses *prometheus.CounterVec
	RecoveredXids  *prometheus.CounterVec

	// Log metrics
	LogAppends        prometheus.Counter
	LogRecords        prometheus.Counter
	LogBytes          prometheus.Counter
	LogAppendDuration prometheus.Histogram
	LogTruncated      prometheus.Counter
	Halted            prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TransactionsBegun: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_begun_total",
			Help:      "Total number of global transactions begun",
		}),
		TransactionsCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_completed_total",
				Help:      "Total number of global transactions by outcome",
			},
			[]string{"outcome"},
		),
		CommitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_duration_seconds",
				Help:      "Duration of the commit protocol as seen by the application",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),
		PhaseTwoRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_two_retries_total",
			Help:      "Second-phase calls that failed and were left for a retry",
		}),
		InDoubt: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_doubt_transactions",
			Help:      "Recovered transactions and orphan branches not yet resolved",
		}),
		Heuristic: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heuristic_transactions",
			Help:      "Transactions with a heuristic outcome awaiting forget",
		}),
		RecoveryPasses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_passes_total",
				Help:      "Recovery passes by result",
			},
			[]string{"result"},
		),
		RecoveredXids: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovered_xids_total",
				Help:      "Xids returned by resource managers during recovery, by classification",
			},
			[]string{"class"},
		),
		LogAppends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_syncs_total",
			Help:      "Group commits flushed to the transaction log",
		}),
		LogRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_records_total",
			Help:      "Records appended to the transaction log",
		}),
		LogBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_bytes_total",
			Help:      "Bytes appended to the transaction log",
		}),
		LogAppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "log_append_duration_seconds",
			Help:      "Latency of a group commit including the flush",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		LogTruncated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_truncated_records_total",
			Help:      "Records dropped from the transaction log by truncation",
		}),
		Halted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "halted",
			Help:      "1 once the transaction log failed and the coordinator stopped accepting work",
		}),
	}
}

// ObserveAppend records one group commit of the transaction log.
func (m *Metrics) ObserveAppend(records, bytes int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LogAppends.Inc()
	m.LogRecords.Add(float64(records))
	m.LogBytes.Add(float64(bytes))
	m.LogAppendDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTruncate(removed int) {
	if m == nil {
		return
	}
	m.LogTruncated.Add(float64(removed))
}

func (m *Metrics) RecordBegin() {
	if m == nil {
		return
	}
	m.TransactionsBegun.Inc()
}

// RecordCompletion records a transaction reaching a terminal state.
func (m *Metrics) RecordCompletion(outcome string) {
	if m == nil {
		return
	}
	m.TransactionsCompleted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordCommit(protocol string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CommitDuration.WithLabelValues(protocol).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.PhaseTwoRetries.Inc()
}

// RecordRecovery records a finished recovery pass.
func (m *Metrics) RecordRecovery(ok bool, owned, orphan, filtered, inDoubt int) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "incomplete"
	}
	m.RecoveryPasses.WithLabelValues(result).Inc()
	m.RecoveredXids.WithLabelValues("owned").Add(float64(owned))
	m.RecoveredXids.WithLabelValues("orphan").Add(float64(orphan))
	m.RecoveredXids.WithLabelValues("foreign").Add(float64(filtered))
	m.InDoubt.Set(float64(inDoubt))
}

func (m *Metrics) UpdateHeuristic(n int) {
	if m == nil {
		return
	}
	m.Heuristic.Set(float64(n))
}

func (m *Metrics) SetHalted() {
	if m == nil {
		return
	}
	m.Halted.Set(1)
}
