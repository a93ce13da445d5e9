package models

import "time"

// SecretRecord is the encrypted-at-rest row for a managed secret. The
// plaintext payload (current value, previous value, rotation timestamps) is
// serialized and sealed with AES-256-GCM before it reaches this struct, so
// the database only ever sees the IV, ciphertext and authentication tag.
type SecretRecord struct {
	Name       string    `json:"name" gorm:"primaryKey"`
	IV         []byte    `json:"-" gorm:"not null"`
	Ciphertext []byte    `json:"-" gorm:"not null"`
	AuthTag    []byte    `json:"-" gorm:"not null"`
	UpdatedAt  time.Time `json:"updated_at"`
}
