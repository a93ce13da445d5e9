package models

import (
	"encoding/json"
	"time"
)

// Severity levels used by events and alerts.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Event types produced by the security core. Threshold-monitored types come
// from request handling; the rest are informational markers from rotation
// and incident response.
const (
	EventFailedLogin        = "failedLogin"
	EventAPIRateLimit       = "apiRateLimit"
	EventSuspiciousPattern  = "suspiciousPattern"
	EventKeyRotation        = "keyRotation"
	EventKeyRotationOverdue = "keyRotationOverdue"
	EventThreatDetected     = "threat_detected"
	EventSourceBlocked      = "sourceBlocked"
	EventEnhancedMonitoring = "enhancedMonitoring"
)

// SecurityEvent is an immutable record of a security-relevant occurrence.
// SourceID identifies the origin (client IP or user ID); Details carries
// producer-specific context as JSON.
type SecurityEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Type      string    `json:"type" gorm:"index"`
	SourceID  string    `json:"source_id" gorm:"index"`
	Severity  Severity  `json:"severity"`
	Details   string    `json:"details" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// SetDetails marshals the given map into the Details column. Marshal errors
// leave Details empty; events must never fail on bad detail payloads.
func (e *SecurityEvent) SetDetails(details map[string]interface{}) {
	if details == nil {
		return
	}
	if b, err := json.Marshal(details); err == nil {
		e.Details = string(b)
	}
}
