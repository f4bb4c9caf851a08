package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "careportal"

// Metrics holds the authentication collectors
type Metrics struct {
	authAttempts      *prometheus.CounterVec
	tokensIssued      *prometheus.CounterVec
	reconciliations   *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	mfaVerifications  *prometheus.CounterVec
	auditEvents       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts at the access gate and login endpoints by outcome.",
		}, []string{"outcome"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Signed tokens issued by kind.",
		}, []string{"kind"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Identity reconciliation runs by outcome.",
		}, []string{"outcome"}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent fetching and merging an external profile.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3},
		}),
		mfaVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mfa_verifications_total",
			Help:      "MFA code verifications by method and outcome.",
		}, []string{"method", "outcome"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Security audit entries by outcome: written, dropped or failed.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.authAttempts, m.tokensIssued, m.reconciliations, m.reconcileDuration, m.mfaVerifications, m.auditEvents,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AuthAttempt counts one authentication outcome, e.g. "success", "expired_token"
func (m *Metrics) AuthAttempt(outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(outcome).Inc()
}

// TokenIssued counts one signed token of kind
func (m *Metrics) TokenIssued(kind string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(kind).Inc()
}

// Reconciled records one reconciliation outcome and, when it did outbound
// work, its duration
func (m *Metrics) Reconciled(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(outcome).Inc()
	if took > 0 {
		m.reconcileDuration.Observe(took.Seconds())
	}
}

// MFAVerification counts one MFA check
func (m *Metrics) MFAVerification(method, outcome string) {
	if m == nil {
		return
	}
	m.mfaVerifications.WithLabelValues(method, outcome).Inc()
}

// AuditEvent counts one audit trail outcome
func (m *Metrics) AuditEvent(outcome string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(outcome).Inc()
}
