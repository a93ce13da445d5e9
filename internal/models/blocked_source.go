package models

import "time"

// BlockedSource is a row in the block list consulted by the admission
// boundary. SourceID is typically a client IP.
type BlockedSource struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	SourceID  string    `json:"source_id" gorm:"uniqueIndex"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
