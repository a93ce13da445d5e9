package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_security_events_total",
		Help: "Total number of security events recorded, by event type",
	}, []string{"type"})
	alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_alerts_total",
		Help: "Total number of alerts published, by severity",
	}, []string{"severity"})
	rotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardian_key_rotations_total",
		Help: "Total number of successful secret rotations",
	})
	rotationFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardian_key_rotation_failures_total",
		Help: "Total number of failed secret rotation attempts",
	})
	blockedSourcesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardian_blocked_sources_total",
		Help: "Total number of sources added to the block list",
	})
	assessmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardian_threat_assessments_total",
		Help: "Total number of requests assessed by the threat pipeline",
	})
	highRiskTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardian_high_risk_requests_total",
		Help: "Total number of requests classified as high risk",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(eventsTotal, alertsTotal, rotationsTotal,
		rotationFailuresTotal, blockedSourcesTotal, assessmentsTotal, highRiskTotal)
}

// IncEvent increments the recorded events counter for an event type.
func IncEvent(eventType string) { eventsTotal.WithLabelValues(eventType).Inc() }

// IncAlert increments the published alerts counter for a severity.
func IncAlert(severity string) { alertsTotal.WithLabelValues(severity).Inc() }

// IncRotation increments the successful rotations counter.
func IncRotation() { rotationsTotal.Inc() }

// IncRotationFailure increments the failed rotations counter.
func IncRotationFailure() { rotationFailuresTotal.Inc() }

// IncBlockedSource increments the block list additions counter.
func IncBlockedSource() { blockedSourcesTotal.Inc() }

// IncAssessment increments the assessed requests counter.
func IncAssessment() { assessmentsTotal.Inc() }

// IncHighRisk increments the high risk classification counter.
func IncHighRisk() { highRiskTotal.Inc() }
