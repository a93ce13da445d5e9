package models

import "time"

// Alert types raised when a window counter crosses its threshold, mirroring
// the event types they aggregate.
const (
	AlertExcessiveFailedLogins = "excessive_failed_logins"
	AlertAPIRateLimitExceeded  = "api_rate_limit_exceeded"
	AlertSuspiciousActivity    = "suspicious_activity_pattern"
	AlertThreatDetected        = "threat_detected"
	AlertKeyRotationNeeded     = "key_rotation_needed"
)

// Alert is an immutable escalation record. SourceEventKey preserves the
// (event type, source) counter key that crossed its threshold so responders
// can trace an alert back to its stream.
type Alert struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	UUID           string    `json:"uuid" gorm:"uniqueIndex"`
	Type           string    `json:"type" gorm:"index"`
	Severity       Severity  `json:"severity" gorm:"index"`
	SourceEventKey string    `json:"source_event_key"`
	Details        string    `json:"details" gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at" gorm:"index"`
}
