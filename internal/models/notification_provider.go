package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationProvider is an external delivery channel for admin
// notifications. URL is a shoutrrr service URL (discord, slack, gotify,
// telegram, email, generic webhook).
type NotificationProvider struct {
	ID      string `gorm:"primaryKey" json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"` // discord, slack, gotify, telegram, smtp, generic
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`

	// Notification Preferences
	NotifySecurity bool `json:"notify_security" gorm:"default:true"`
	NotifyRotation bool `json:"notify_rotation" gorm:"default:true"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n *NotificationProvider) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return
}
