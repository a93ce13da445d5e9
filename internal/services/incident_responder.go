package services

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/mealforge/guardian/internal/logger"
	"github.com/mealforge/guardian/internal/metrics"
	"github.com/mealforge/guardian/internal/models"
)

// ThresholdOverrider lowers alert thresholds for a source for a bounded
// duration. Implemented by EventAggregator.
type ThresholdOverrider interface {
	LowerThresholds(sourceID string, until time.Time)
}

// AdminNotifier fans a notification out to the configured channels.
// Implemented by NotificationService.
type AdminNotifier interface {
	NotifySecurity(title, message string)
}

// IncidentResponder executes response actions: maintaining the block list,
// enabling time-boxed enhanced monitoring, and notifying administrators.
type IncidentResponder struct {
	db        *gorm.DB
	events    EventRecorder
	overrider ThresholdOverrider
	notifier  AdminNotifier

	monitoringWindow time.Duration

	mu      sync.RWMutex
	blocked map[string]struct{}

	now func() time.Time
}

// NewIncidentResponder wires a responder. Call LoadBlockList before serving
// traffic so previously blocked sources stay blocked across restarts.
func NewIncidentResponder(db *gorm.DB, events EventRecorder, overrider ThresholdOverrider, notifier AdminNotifier, monitoringWindow time.Duration) *IncidentResponder {
	return &IncidentResponder{
		db:               db,
		events:           events,
		overrider:        overrider,
		notifier:         notifier,
		monitoringWindow: monitoringWindow,
		blocked:          make(map[string]struct{}),
		now:              time.Now,
	}
}

// LoadBlockList hydrates the in-memory set from the persisted block list.
func (r *IncidentResponder) LoadBlockList() error {
	var rows []models.BlockedSource
	if err := r.db.Find(&rows).Error; err != nil {
		return fmt.Errorf("load block list: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.blocked[row.SourceID] = struct{}{}
	}
	return nil
}

// BlockSource adds a source to the block list. Idempotent: blocking an
// already-blocked source is a no-op and records nothing.
func (r *IncidentResponder) BlockSource(sourceID, reason string) error {
	if sourceID == "" {
		return errors.New("block source: empty source id")
	}

	r.mu.Lock()
	if _, exists := r.blocked[sourceID]; exists {
		r.mu.Unlock()
		return nil
	}
	r.blocked[sourceID] = struct{}{}
	r.mu.Unlock()

	row := models.BlockedSource{SourceID: sourceID, Reason: reason, CreatedAt: r.now()}
	if err := r.db.Create(&row).Error; err != nil {
		// Row may already exist from a previous run; the in-memory set is
		// authoritative for admission checks either way.
		logger.WithFields(map[string]interface{}{"source": sourceID}).
			WithError(err).Warn("failed to persist block list entry")
	}
	metrics.IncBlockedSource()

	logger.WithFields(map[string]interface{}{
		"source": sourceID,
		"reason": reason,
	}).Warn("source blocked")

	event := &models.SecurityEvent{
		Type:     models.EventSourceBlocked,
		SourceID: sourceID,
		Severity: models.SeverityMedium,
	}
	event.SetDetails(map[string]interface{}{"reason": reason})
	r.events.Record(event)
	return nil
}

// Unblock removes a source from the block list.
func (r *IncidentResponder) Unblock(sourceID string) error {
	r.mu.Lock()
	delete(r.blocked, sourceID)
	r.mu.Unlock()

	if err := r.db.Delete(&models.BlockedSource{}, "source_id = ?", sourceID).Error; err != nil {
		return fmt.Errorf("unblock %q: %w", sourceID, err)
	}
	return nil
}

// IsBlocked reports whether the source is on the block list. Consulted by
// the admission boundary on every request, so it only touches memory.
func (r *IncidentResponder) IsBlocked(sourceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocked[sourceID]
	return ok
}

// BlockList returns the persisted block list entries.
func (r *IncidentResponder) BlockList() ([]models.BlockedSource, error) {
	var rows []models.BlockedSource
	if err := r.db.Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list blocked sources: %w", err)
	}
	return rows, nil
}

// EnableEnhancedMonitoring halves alert thresholds for the source for the
// configured window; the override reverts automatically.
func (r *IncidentResponder) EnableEnhancedMonitoring(sourceID string) {
	until := r.now().Add(r.monitoringWindow)
	r.overrider.LowerThresholds(sourceID, until)

	logger.WithFields(map[string]interface{}{
		"source": sourceID,
		"until":  until.Format(time.RFC3339),
	}).Info("enhanced monitoring enabled")

	event := &models.SecurityEvent{
		Type:     models.EventEnhancedMonitoring,
		SourceID: sourceID,
		Severity: models.SeverityLow,
	}
	event.SetDetails(map[string]interface{}{"until": until.Format(time.RFC3339)})
	r.events.Record(event)
}

// NotifyAdmins delivers a notification through the configured channels.
// Failures are logged by the dispatcher and never escalate back into the
// alert pipeline (that would recurse).
func (r *IncidentResponder) NotifyAdmins(title, message string) {
	if r.notifier == nil {
		return
	}
	r.notifier.NotifySecurity(title, message)
}

// Respond executes the response for a high-severity alert. Invoked
// synchronously from AlertSink.Publish so the block decision precedes the
// publish call returning; notification dispatch inside is detached.
func (r *IncidentResponder) Respond(alert *models.Alert) {
	sourceID := sourceFromEventKey(alert.SourceEventKey)

	switch alert.Type {
	case models.AlertExcessiveFailedLogins:
		if sourceID != "" {
			if err := r.BlockSource(sourceID, "excessive failed logins"); err != nil {
				logger.Log().WithError(err).Error("failed to block source for failed-login alert")
			}
		}
		r.NotifyAdmins("Security Alert: Excessive Failed Logins",
			fmt.Sprintf("Source %s exceeded the failed-login threshold and was blocked.", sourceID))

	case models.AlertSuspiciousActivity:
		if sourceID != "" {
			r.EnableEnhancedMonitoring(sourceID)
		}
		r.NotifyAdmins("Security Alert: Suspicious Activity Detected",
			fmt.Sprintf("Source %s triggered the suspicious-pattern threshold; enhanced monitoring enabled.", sourceID))

	case models.AlertThreatDetected:
		// Blocking for threat alerts is decided upstream by the pipeline's
		// stricter score threshold.
		r.NotifyAdmins("Security Alert: High-Risk Request Detected",
			fmt.Sprintf("Threat pipeline flagged high-risk traffic from %s.", sourceID))

	default:
		r.NotifyAdmins("Security Alert: "+alert.Type,
			fmt.Sprintf("High-severity alert for %s.", alert.SourceEventKey))
	}
}

// sourceFromEventKey splits a "(eventType:sourceID)" counter key. Event types
// never contain colons; source IDs (IPv6) may.
func sourceFromEventKey(key string) string {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}
