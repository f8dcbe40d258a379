package accounts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "accounts"

// Outcomes recorded by Metrics.Observe
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeFailure  = "failure"
)

// Metrics holds the lifecycle counters
type Metrics struct {
	Operations     *prometheus.CounterVec
	JanitorRemoved *prometheus.CounterVec
}

// NewMetrics registers the counters on reg. A nil reg leaves them
// unregistered, so they still count but are never exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Lifecycle operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		JanitorRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "janitor_removed_total",
				Help:      "Rows removed by the maintenance janitor",
			},
			[]string{"kind"},
		),
	}
}

// Observe counts an operation. Errors of the caller's own making count as
// rejected, store and mail outages as failure.
func (m *Metrics) Observe(operation string, err error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, outcomeOf(err)).Inc()
}

func (m *Metrics) removed(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JanitorRemoved.WithLabelValues(kind).Add(float64(n))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsDependencyError(err):
		return OutcomeFailure
	case IsValidationError(err), IsConflict(err), IsUnauthorized(err),
		IsInvalidOrExpiredToken(err), IsSessionError(err),
		hasTextCode(err, TextCodeForbidden), hasTextCode(err, TextCodeAccountNotFound):
		return OutcomeRejected
	default:
		return OutcomeFailure
	}
}
