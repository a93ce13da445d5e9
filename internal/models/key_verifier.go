package models

import "time"

// KeyVerifier holds a bcrypt hash of the master key so a misconfigured key is
// caught at startup instead of surfacing as decrypt failures later. The hash
// is one-way; the key itself is never stored.
type KeyVerifier struct {
	ID        uint      `json:"-" gorm:"primaryKey"`
	Hash      string    `json:"-" gorm:"not null"`
	CreatedAt time.Time `json:"-"`
}
