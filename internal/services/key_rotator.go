package services

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mealforge/guardian/internal/config"
	"github.com/mealforge/guardian/internal/logger"
	"github.com/mealforge/guardian/internal/metrics"
	"github.com/mealforge/guardian/internal/models"
)

var (
	ErrUnknownSecret   = errors.New("no rotation policy for secret")
	ErrRotationFailed  = errors.New("rotation failed")
	errRotationRand    = errors.New("random source unavailable")
	overdueAlertPeriod = time.Hour
)

const (
	rotationRetryAttempts = 3
	rotationRetryBackoff  = 30 * time.Second
)

// SecretStorage is the persistence contract the rotator depends on,
// substitutable for failure-injection in tests.
type SecretStorage interface {
	Get(name string) (*Secret, error)
	Put(name string, secret *Secret) error
}

// EventRecorder ingests security events. Implemented by EventAggregator.
type EventRecorder interface {
	Record(event *models.SecurityEvent)
}

// KeyRotator rotates managed secrets on their configured schedules with a
// dual-key grace period: after a rotation both the new and previous value
// verify until the grace period elapses, giving consumers zero-downtime
// handover. Rotation and the cleanup sweep are mutually exclusive per secret
// name; different secrets rotate independently.
type KeyRotator struct {
	store    SecretStorage
	events   EventRecorder
	policies []config.RotationPolicy

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	overdueMu   sync.Mutex
	lastOverdue map[string]time.Time

	retryBackoff time.Duration
	sleep        func(time.Duration)
	now          func() time.Time
}

// NewKeyRotator wires a rotator over the given store and event recorder.
func NewKeyRotator(store SecretStorage, events EventRecorder, policies []config.RotationPolicy) *KeyRotator {
	return &KeyRotator{
		store:        store,
		events:       events,
		policies:     policies,
		locks:        make(map[string]*sync.Mutex),
		lastOverdue:  make(map[string]time.Time),
		retryBackoff: rotationRetryBackoff,
		sleep:        time.Sleep,
		now:          time.Now,
	}
}

// Schedule registers one rotation job per policy plus the minutely sweep
// (grace-period cleanup and key-age monitoring) on the shared scheduler.
func (r *KeyRotator) Schedule(c *cron.Cron) error {
	for _, p := range r.policies {
		name := p.SecretName
		if _, err := c.AddFunc(p.Schedule, func() {
			if err := r.rotateWithRetry(name); err != nil {
				logger.WithFields(map[string]interface{}{"secret": name}).
					WithError(err).Error("scheduled rotation failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule rotation for %q: %w", name, err)
		}
	}
	if _, err := c.AddFunc("* * * * *", r.Sweep); err != nil {
		return fmt.Errorf("schedule rotation sweep: %w", err)
	}
	return nil
}

// rotateWithRetry retries a failed rotation with increasing delay before
// giving up. Scheduled fires can be a week or more apart, so a transient
// store error must not push the rotation to the next fire.
func (r *KeyRotator) rotateWithRetry(name string) error {
	var err error
	for attempt := 1; attempt <= rotationRetryAttempts; attempt++ {
		if err = r.Rotate(name); err == nil {
			return nil
		}
		if errors.Is(err, ErrUnknownSecret) {
			return err
		}
		if attempt < rotationRetryAttempts {
			backoff := time.Duration(attempt) * r.retryBackoff
			logger.WithFields(map[string]interface{}{
				"secret":  name,
				"attempt": attempt,
				"backoff": backoff.String(),
			}).WithError(err).Warn("rotation attempt failed, retrying")
			r.sleep(backoff)
		}
	}
	return err
}

// EnsureSecrets creates any secret that does not exist yet. Called once at
// startup so consumers always find a value.
func (r *KeyRotator) EnsureSecrets() error {
	for _, p := range r.policies {
		lock := r.nameLock(p.SecretName)
		lock.Lock()
		_, err := r.store.Get(p.SecretName)
		if errors.Is(err, ErrSecretNotFound) {
			value, genErr := newSecretValue()
			if genErr == nil {
				genErr = r.store.Put(p.SecretName, &Secret{
					Name:      p.SecretName,
					Value:     value,
					CreatedAt: r.now(),
				})
			}
			err = genErr
			if err == nil {
				logger.WithFields(map[string]interface{}{"secret": p.SecretName}).Info("initialized secret")
			}
		}
		lock.Unlock()
		if err != nil {
			return fmt.Errorf("initialize secret %q: %w", p.SecretName, err)
		}
	}
	return nil
}

// Rotate replaces the secret's value, keeping the old value as the grace
// previous value. All-or-nothing: if the store write fails, the old secret
// stays active and the error is returned for retry at the call site.
func (r *KeyRotator) Rotate(name string) error {
	policy, ok := r.policyFor(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSecret, name)
	}

	lock := r.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	current, err := r.store.Get(name)
	if err != nil && !errors.Is(err, ErrSecretNotFound) {
		metrics.IncRotationFailure()
		return fmt.Errorf("%w: load %q: %v", ErrRotationFailed, name, err)
	}

	value, err := newSecretValue()
	if err != nil {
		metrics.IncRotationFailure()
		return fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}

	now := r.now()
	next := &Secret{
		Name:      name,
		Value:     value,
		CreatedAt: now,
	}
	if current != nil {
		expires := now.Add(policy.GracePeriod)
		next.PreviousValue = current.Value
		next.PreviousExpiresAt = &expires
	}

	if err := r.store.Put(name, next); err != nil {
		metrics.IncRotationFailure()
		return fmt.Errorf("%w: persist %q: %v", ErrRotationFailed, name, err)
	}

	metrics.IncRotation()
	logger.WithFields(map[string]interface{}{
		"secret": name,
		"grace":  policy.GracePeriod.String(),
	}).Info("secret rotated")

	event := &models.SecurityEvent{
		Type:     models.EventKeyRotation,
		SourceID: "rotator",
		Severity: models.SeverityLow,
	}
	event.SetDetails(map[string]interface{}{"secret": name})
	r.events.Record(event)
	return nil
}

// Sweep clears expired previous values and emits overdue-rotation events.
// Idempotent and safe to run alongside rotations: the per-name lock plus a
// compare on CreatedAt guarantee a rotation that lands first makes the sweep
// a no-op instead of clearing the freshly set previous value.
func (r *KeyRotator) Sweep() {
	now := r.now()
	for _, p := range r.policies {
		r.sweepSecret(p, now)
	}
}

func (r *KeyRotator) sweepSecret(policy config.RotationPolicy, now time.Time) {
	lock := r.nameLock(policy.SecretName)
	lock.Lock()
	defer lock.Unlock()

	secret, err := r.store.Get(policy.SecretName)
	if err != nil {
		if !errors.Is(err, ErrSecretNotFound) {
			logger.WithFields(map[string]interface{}{"secret": policy.SecretName}).
				WithError(err).Error("sweep: failed to load secret")
		}
		return
	}

	if secret.PreviousValue != nil && secret.PreviousExpiresAt != nil && !secret.PreviousExpiresAt.After(now) {
		observed := secret.CreatedAt

		// Rotation wins: only clear if the record is still the one we read.
		latest, err := r.store.Get(policy.SecretName)
		if err != nil || !latest.CreatedAt.Equal(observed) {
			return
		}
		latest.PreviousValue = nil
		latest.PreviousExpiresAt = nil
		if err := r.store.Put(policy.SecretName, latest); err != nil {
			logger.WithFields(map[string]interface{}{"secret": policy.SecretName}).
				WithError(err).Error("sweep: failed to clear previous value")
			return
		}
		logger.WithFields(map[string]interface{}{"secret": policy.SecretName}).
			Info("grace period ended, previous value cleared")
	}

	if policy.MaxAge > 0 && now.Sub(secret.CreatedAt) > policy.MaxAge {
		r.reportOverdue(policy, now.Sub(secret.CreatedAt), now)
	}
}

// reportOverdue rate-limits the overdue event so the minutely sweep does not
// flood the aggregator with duplicates for the same stale key.
func (r *KeyRotator) reportOverdue(policy config.RotationPolicy, age time.Duration, now time.Time) {
	r.overdueMu.Lock()
	last, seen := r.lastOverdue[policy.SecretName]
	if seen && now.Sub(last) < overdueAlertPeriod {
		r.overdueMu.Unlock()
		return
	}
	r.lastOverdue[policy.SecretName] = now
	r.overdueMu.Unlock()

	event := &models.SecurityEvent{
		Type:     models.EventKeyRotationOverdue,
		SourceID: "rotator",
		Severity: models.SeverityMedium,
	}
	event.SetDetails(map[string]interface{}{
		"secret":  policy.SecretName,
		"age":     age.String(),
		"max_age": policy.MaxAge.String(),
	})
	r.events.Record(event)
}

// VerificationValues returns every value currently valid for verification:
// the active value, plus the previous value while its grace period lasts.
// This is the dual-key contract consumers rely on for zero-downtime rotation.
func (r *KeyRotator) VerificationValues(name string) ([][]byte, error) {
	secret, err := r.store.Get(name)
	if err != nil {
		return nil, err
	}
	values := [][]byte{secret.Value}
	if secret.InGracePeriod(r.now()) {
		values = append(values, secret.PreviousValue)
	}
	return values, nil
}

// SecretStatus is the admin-facing view of a managed secret. Values are
// never exposed.
type SecretStatus struct {
	Name              string     `json:"name"`
	CreatedAt         time.Time  `json:"created_at"`
	InGracePeriod     bool       `json:"in_grace_period"`
	PreviousExpiresAt *time.Time `json:"previous_expires_at,omitempty"`
	Schedule          string     `json:"schedule"`
	MaxAge            string     `json:"max_age"`
}

// Status reports rotation state for every managed secret.
func (r *KeyRotator) Status() ([]SecretStatus, error) {
	now := r.now()
	statuses := make([]SecretStatus, 0, len(r.policies))
	for _, p := range r.policies {
		secret, err := r.store.Get(p.SecretName)
		if err != nil {
			return nil, fmt.Errorf("status for %q: %w", p.SecretName, err)
		}
		statuses = append(statuses, SecretStatus{
			Name:              p.SecretName,
			CreatedAt:         secret.CreatedAt,
			InGracePeriod:     secret.InGracePeriod(now),
			PreviousExpiresAt: secret.PreviousExpiresAt,
			Schedule:          p.Schedule,
			MaxAge:            p.MaxAge.String(),
		})
	}
	return statuses, nil
}

func (r *KeyRotator) policyFor(name string) (config.RotationPolicy, bool) {
	for _, p := range r.policies {
		if p.SecretName == name {
			return p, true
		}
	}
	return config.RotationPolicy{}, false
}

func (r *KeyRotator) nameLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[name] = lock
	}
	return lock
}

// newSecretValue returns 32 bytes (256 bits) from the system CSPRNG.
func newSecretValue() ([]byte, error) {
	value := make([]byte, 32)
	if _, err := rand.Read(value); err != nil {
		return nil, fmt.Errorf("%w: %v", errRotationRand, err)
	}
	return value, nil
}
