package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// AlertMetrics counts conditions that page an operator.
type AlertMetrics struct {
	integrityViolations *prometheus.CounterVec
	deadPayouts         *prometheus.CounterVec
	reconcileMismatches *prometheus.CounterVec
}

var (
	alertMetricsOnce sync.Once
	alertMetrics     *AlertMetrics
)

func Alerts() *AlertMetrics {
	return AlertsWithConfig(Config{})
}

func AlertsWithConfig(cfg Config) *AlertMetrics {
	alertMetricsOnce.Do(func() {
		alertMetrics = newAlertMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return alertMetrics
}

func newAlertMetrics(registerer prometheus.Registerer, cfg Config) *AlertMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	integrityViolations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creatorledger_ledger_integrity_violations_total",
		Help:        "Writes rejected because they would break a ledger invariant.",
		ConstLabels: constLabels,
	}, []string{"invariant"})
	deadPayouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creatorledger_payouts_dead_total",
		Help:        "Payouts that exhausted retries and need manual attention.",
		ConstLabels: constLabels,
	}, []string{"provider"})
	reconcileMismatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creatorledger_reconciliation_mismatches_total",
		Help:        "Provider status disagreeing with local payout state.",
		ConstLabels: constLabels,
	}, []string{"provider", "reason"})

	registerer.MustRegister(integrityViolations, deadPayouts, reconcileMismatches)

	return &AlertMetrics{
		integrityViolations: integrityViolations,
		deadPayouts:         deadPayouts,
		reconcileMismatches: reconcileMismatches,
	}
}

func (m *AlertMetrics) IncIntegrityViolation(invariant string) {
	if m == nil {
		return
	}
	m.integrityViolations.WithLabelValues(invariant).Inc()
}

func (m *AlertMetrics) IncDeadPayout(provider string) {
	if m == nil {
		return
	}
	m.deadPayouts.WithLabelValues(provider).Inc()
}

func (m *AlertMetrics) IncReconcileMismatch(provider, reason string) {
	if m == nil {
		return
	}
	m.reconcileMismatches.WithLabelValues(provider, reason).Inc()
}
