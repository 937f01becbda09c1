// Package metrics exposes the service's prometheus instrumentation. The
// registry is lazily initialised so tests can exercise packages that record
// metrics without any setup, and every recording helper is safe to call
// from any goroutine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type arenaMetrics struct {
	ticks         *prometheus.CounterVec
	tickLatency   *prometheus.HistogramVec
	tickFaults    prometheus.Counter
	matchesActive prometheus.Gauge
	settlements   *prometheus.CounterVec
	refunds       prometheus.Counter
	wsSessions    prometheus.Gauge
	inputsDropped prometheus.Counter
	idemConflicts prometheus.Counter
	auditDrift    prometheus.Counter
}

var (
	arenaOnce sync.Once
	arenaReg  *arenaMetrics
)

func registry() *arenaMetrics {
	arenaOnce.Do(func() {
		arenaReg = &arenaMetrics{
			ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "sim",
				Name:      "ticks_total",
				Help:      "Simulation ticks executed, segmented by match phase.",
			}, []string{"phase"}),
			tickLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "arena",
				Subsystem: "sim",
				Name:      "tick_duration_seconds",
				Help:      "Wall time of one simulation tick; the budget is 1/tick-rate.",
				Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .033},
			}, []string{"phase"}),
			tickFaults: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "sim",
				Name:      "tick_faults_total",
				Help:      "Ticks that panicked inside the physics pipeline and were contained.",
			}),
			matchesActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "arena",
				Subsystem: "sim",
				Name:      "matches_active",
				Help:      "Matches currently owned by a runner goroutine.",
			}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "ledger",
				Name:      "settlements_total",
				Help:      "Completed settlements segmented by payout model.",
			}, []string{"model"}),
			refunds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "ledger",
				Name:      "refunds_total",
				Help:      "Matches refunded after an abort or recovery sweep.",
			}),
			wsSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "arena",
				Subsystem: "ingress",
				Name:      "ws_sessions",
				Help:      "Open websocket sessions.",
			}),
			inputsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "ingress",
				Name:      "inputs_dropped_total",
				Help:      "Input frames dropped by full match queues.",
			}),
			idemConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "ledger",
				Name:      "conflicts_total",
				Help:      "Money operations that hit an existing idempotency key.",
			}),
			auditDrift: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "ledger",
				Name:      "audit_drift_total",
				Help:      "Accounts whose wallet balances disagreed with their ledger fold.",
			}),
		}
		prometheus.MustRegister(
			arenaReg.ticks,
			arenaReg.tickLatency,
			arenaReg.tickFaults,
			arenaReg.matchesActive,
			arenaReg.settlements,
			arenaReg.refunds,
			arenaReg.wsSessions,
			arenaReg.inputsDropped,
			arenaReg.idemConflicts,
			arenaReg.auditDrift,
		)
	})
	return arenaReg
}

// TickObserved records one executed tick and its duration.
func TickObserved(phase string, seconds float64) {
	r := registry()
	r.ticks.WithLabelValues(phase).Inc()
	r.tickLatency.WithLabelValues(phase).Observe(seconds)
}

// TickFault counts one contained simulation-tick panic.
func TickFault() { registry().tickFaults.Inc() }

// MatchStarted bumps the active-match gauge.
func MatchStarted() { registry().matchesActive.Inc() }

// MatchEnded decrements the active-match gauge.
func MatchEnded() { registry().matchesActive.Dec() }

// SettlementRecorded counts one completed settlement.
func SettlementRecorded(model string) { registry().settlements.WithLabelValues(model).Inc() }

// RefundRecorded counts one refunded match.
func RefundRecorded() { registry().refunds.Inc() }

// SessionOpened bumps the websocket session gauge.
func SessionOpened() { registry().wsSessions.Inc() }

// SessionClosed decrements the websocket session gauge.
func SessionClosed() { registry().wsSessions.Dec() }

// InputDropped counts an input frame lost to backpressure.
func InputDropped() { registry().inputsDropped.Inc() }

// LedgerConflict counts a money operation that found an existing entry
// under its idempotency key, either replayed or still pending.
func LedgerConflict() { registry().idemConflicts.Inc() }

// AuditDrift counts an account flagged by the integrity auditor.
func AuditDrift() { registry().auditDrift.Inc() }
