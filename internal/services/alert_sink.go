package services

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mealforge/guardian/internal/logger"
	"github.com/mealforge/guardian/internal/metrics"
	"github.com/mealforge/guardian/internal/models"
)

// AlertResponder executes response actions for high-severity alerts.
type AlertResponder interface {
	Respond(alert *models.Alert)
}

// AlertSink durably appends alerts to the audit log and hands high-severity
// alerts to the incident responder before returning, so a block decision is
// never merely logged without action.
type AlertSink struct {
	db        *gorm.DB
	responder AlertResponder
}

// NewAlertSink returns a sink writing to the given database. The responder is
// invoked synchronously for high-severity alerts.
func NewAlertSink(db *gorm.DB, responder AlertResponder) *AlertSink {
	return &AlertSink{db: db, responder: responder}
}

// Publish appends the alert to the log. Fire-and-forget from the caller's
// perspective: persistence failures are logged, never raised.
func (s *AlertSink) Publish(alert *models.Alert) {
	if alert == nil {
		return
	}
	if alert.UUID == "" {
		alert.UUID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	metrics.IncAlert(string(alert.Severity))

	if err := s.db.Create(alert).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"type":     alert.Type,
			"severity": alert.Severity,
		}).WithError(err).Error("failed to persist alert")
	}

	logger.WithFields(map[string]interface{}{
		"type":     alert.Type,
		"severity": alert.Severity,
		"source":   alert.SourceEventKey,
	}).Warn("security alert")

	if alert.Severity == models.SeverityHigh && s.responder != nil {
		s.responder.Respond(alert)
	}
}

// EventFilter narrows QueryEvents results. Zero values are ignored.
type EventFilter struct {
	Type     string
	SourceID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// QueryEvents returns persisted security events matching the filter, newest
// first.
func (s *AlertSink) QueryEvents(filter EventFilter) ([]models.SecurityEvent, error) {
	q := s.db.Order("created_at desc")
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.SourceID != "" {
		q = q.Where("source_id = ?", filter.SourceID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("created_at <= ?", filter.Until)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var events []models.SecurityEvent
	if err := q.Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

// QueryAlerts returns recent alerts, newest first.
func (s *AlertSink) QueryAlerts(limit int) ([]models.Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var alerts []models.Alert
	if err := s.db.Order("created_at desc").Limit(limit).Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return alerts, nil
}

// SecurityReport summarizes alert and incident activity over a period.
// Purely derived read-side data; generating a report has no side effects.
type SecurityReport struct {
	Start            time.Time        `json:"start"`
	End              time.Time        `json:"end"`
	EventCounts      map[string]int64 `json:"event_counts"`
	AlertCounts      map[string]int64 `json:"alert_counts"`
	AlertsBySeverity map[string]int64 `json:"alerts_by_severity"`
	IncidentCount    int64            `json:"incident_count"`
	Recommendations  []string         `json:"recommendations"`
}

type typeCount struct {
	Key   string
	Count int64
}

// GenerateReport aggregates events, alerts and block incidents between start
// and end, with rule-based recommendations derived from the alert mix.
func (s *AlertSink) GenerateReport(start, end time.Time) (*SecurityReport, error) {
	report := &SecurityReport{
		Start:            start,
		End:              end,
		EventCounts:      make(map[string]int64),
		AlertCounts:      make(map[string]int64),
		AlertsBySeverity: make(map[string]int64),
	}

	var rows []typeCount
	err := s.db.Model(&models.SecurityEvent{}).
		Select("type as key, count(*) as count").
		Where("created_at BETWEEN ? AND ?", start, end).
		Group("type").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate events: %w", err)
	}
	for _, r := range rows {
		report.EventCounts[r.Key] = r.Count
	}

	rows = rows[:0]
	err = s.db.Model(&models.Alert{}).
		Select("type as key, count(*) as count").
		Where("created_at BETWEEN ? AND ?", start, end).
		Group("type").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate alerts: %w", err)
	}
	for _, r := range rows {
		report.AlertCounts[r.Key] = r.Count
	}

	rows = rows[:0]
	err = s.db.Model(&models.Alert{}).
		Select("severity as key, count(*) as count").
		Where("created_at BETWEEN ? AND ?", start, end).
		Group("severity").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate alert severities: %w", err)
	}
	for _, r := range rows {
		report.AlertsBySeverity[r.Key] = r.Count
	}

	err = s.db.Model(&models.BlockedSource{}).
		Where("created_at BETWEEN ? AND ?", start, end).
		Count(&report.IncidentCount).Error
	if err != nil {
		return nil, fmt.Errorf("count incidents: %w", err)
	}

	report.Recommendations = recommend(report)
	return report, nil
}

func recommend(r *SecurityReport) []string {
	var recs []string
	if r.AlertCounts[models.AlertExcessiveFailedLogins] > 0 {
		recs = append(recs, "Repeated failed-login alerts: review authentication rate limits and consider enforcing MFA.")
	}
	if r.AlertCounts[models.AlertAPIRateLimitExceeded] > 0 {
		recs = append(recs, "API rate-limit alerts: verify per-client quotas and tighten limits for abusive sources.")
	}
	if r.AlertCounts[models.AlertSuspiciousActivity] > 0 {
		recs = append(recs, "Suspicious-pattern alerts: audit recent request patterns for the flagged sources.")
	}
	if r.AlertCounts[models.AlertThreatDetected] > 0 || r.IncidentCount > 0 {
		recs = append(recs, "High-risk traffic detected: review the block list for false positives and confirm blocks.")
	}
	if r.EventCounts[models.EventKeyRotationOverdue] > 0 {
		recs = append(recs, "Overdue key rotations detected: check rotation scheduler health and rotate manually if needed.")
	}
	if len(recs) == 0 {
		recs = append(recs, "No anomalous activity in this period; no action required.")
	}
	return recs
}
