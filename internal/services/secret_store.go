package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/mealforge/guardian/internal/models"
)

var (
	ErrSecretNotFound    = errors.New("secret not found")
	ErrCorruptSecret     = errors.New("secret failed authentication on decrypt")
	ErrMasterKeyMismatch = errors.New("master key does not match the one this store was sealed with")
)

// Secret is the decrypted form of a managed secret. During a grace period
// PreviousValue holds the pre-rotation value and PreviousExpiresAt marks when
// it stops verifying. At most one previous value exists per secret.
type Secret struct {
	Name              string     `json:"name"`
	Value             []byte     `json:"value"`
	CreatedAt         time.Time  `json:"created_at"`
	PreviousValue     []byte     `json:"previous_value,omitempty"`
	PreviousExpiresAt *time.Time `json:"previous_expires_at,omitempty"`
}

// InGracePeriod reports whether the previous value is still valid at t.
func (s *Secret) InGracePeriod(t time.Time) bool {
	return s.PreviousValue != nil && s.PreviousExpiresAt != nil && t.Before(*s.PreviousExpiresAt)
}

// SecretStore persists secrets encrypted at rest with AES-256-GCM. The row
// stores IV, ciphertext and authentication tag; decryption fails closed, so
// a tag mismatch yields ErrCorruptSecret and never partial plaintext.
type SecretStore struct {
	db        *gorm.DB
	aead      cipher.AEAD
	masterKey []byte
}

// NewSecretStore returns a SecretStore sealing records with the given
// 32-byte master key.
func NewSecretStore(db *gorm.DB, masterKey []byte) (*SecretStore, error) {
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init master key cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &SecretStore{db: db, aead: aead, masterKey: append([]byte{}, masterKey...)}, nil
}

// VerifyMasterKey checks the configured master key against the bcrypt
// verifier persisted on first boot. A mismatch means the database was sealed
// with a different key; failing here beats ErrCorruptSecret on every later
// read. Call once at startup, after migration.
func (s *SecretStore) VerifyMasterKey() error {
	var verifier models.KeyVerifier
	err := s.db.First(&verifier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		hash, hashErr := bcrypt.GenerateFromPassword(s.masterKey, bcrypt.DefaultCost)
		if hashErr != nil {
			return fmt.Errorf("hash master key verifier: %w", hashErr)
		}
		return s.db.Create(&models.KeyVerifier{Hash: string(hash)}).Error
	}
	if err != nil {
		return fmt.Errorf("load master key verifier: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(verifier.Hash), s.masterKey) != nil {
		return ErrMasterKeyMismatch
	}
	return nil
}

// Get loads and decrypts a secret by name.
func (s *SecretStore) Get(name string) (*Secret, error) {
	var rec models.SecretRecord
	if err := s.db.First(&rec, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("load secret %q: %w", name, err)
	}

	sealed := append(append([]byte{}, rec.Ciphertext...), rec.AuthTag...)
	plaintext, err := s.aead.Open(nil, rec.IV, sealed, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("decrypt secret %q: %w", name, ErrCorruptSecret)
	}

	var secret Secret
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		return nil, fmt.Errorf("decode secret %q: %w", name, ErrCorruptSecret)
	}
	return &secret, nil
}

// Put encrypts and durably writes the whole secret record. The write is a
// single-row upsert inside a transaction: either the new record lands or the
// store is unchanged.
func (s *SecretStore) Put(name string, secret *Secret) error {
	secret.Name = name
	plaintext, err := json.Marshal(secret)
	if err != nil {
		return fmt.Errorf("encode secret %q: %w", name, err)
	}

	iv := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("generate iv: %w", err)
	}

	sealed := s.aead.Seal(nil, iv, plaintext, []byte(name))
	tagSize := s.aead.Overhead()
	rec := models.SecretRecord{
		Name:       name,
		IV:         iv,
		Ciphertext: sealed[:len(sealed)-tagSize],
		AuthTag:    sealed[len(sealed)-tagSize:],
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Save(&rec).Error
	})
	if err != nil {
		return fmt.Errorf("persist secret %q: %w", name, err)
	}
	return nil
}
