package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// RotationPolicy describes when a named secret rotates and how long the
// previous value stays valid after a rotation. Policies are immutable after
// Load.
type RotationPolicy struct {
	SecretName  string
	Schedule    string
	GracePeriod time.Duration
	MaxAge      time.Duration
}

// Thresholds maps an event type to the counter value at which an alert fires.
type Thresholds map[string]int

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string

	// MasterKey encrypts secrets at rest (AES-256-GCM).
	MasterKey []byte

	// AdminTokenAudience is the expected audience claim on admin JWTs.
	AdminTokenAudience string

	RotationPolicies []RotationPolicy
	AlertThresholds  Thresholds

	// DecayWindow is how long a single event contributes to its counter.
	DecayWindow time.Duration

	// EnhancedMonitoringWindow bounds per-source threshold overrides.
	EnhancedMonitoringWindow time.Duration

	// NotifyTimeout bounds a single external notification delivery.
	NotifyTimeout time.Duration
}

// Secret classes rotated on a schedule. The schedules mirror the platform's
// operational policy: JWT weekly, encryption key monthly, API keys quarterly.
const (
	SecretJWT        = "jwt"
	SecretEncryption = "encryption"
	SecretAPIKeys    = "api_keys"
)

// Load reads env vars and falls back to defaults so the server can boot with
// zero configuration in development. Invalid rotation schedules or a
// malformed master key are configuration errors and abort startup.
func Load() (Config, error) {
	cfg := Config{
		Environment:        getEnv("GUARDIAN_ENV", "development"),
		HTTPPort:           getEnv("GUARDIAN_HTTP_PORT", "8080"),
		DatabasePath:       getEnv("GUARDIAN_DB_PATH", filepath.Join("data", "guardian.db")),
		AdminTokenAudience: getEnv("GUARDIAN_ADMIN_AUDIENCE", "guardian-admin"),
		RotationPolicies: []RotationPolicy{
			{SecretName: SecretJWT, Schedule: getEnv("GUARDIAN_ROTATE_JWT", "0 0 * * 0"), GracePeriod: 24 * time.Hour, MaxAge: 7 * 24 * time.Hour},
			{SecretName: SecretEncryption, Schedule: getEnv("GUARDIAN_ROTATE_ENCRYPTION", "0 0 1 * *"), GracePeriod: 24 * time.Hour, MaxAge: 30 * 24 * time.Hour},
			{SecretName: SecretAPIKeys, Schedule: getEnv("GUARDIAN_ROTATE_API_KEYS", "0 0 1 */3 *"), GracePeriod: 24 * time.Hour, MaxAge: 90 * 24 * time.Hour},
		},
		AlertThresholds: Thresholds{
			"failedLogin":       getEnvInt("GUARDIAN_THRESHOLD_FAILED_LOGIN", 5),
			"apiRateLimit":      getEnvInt("GUARDIAN_THRESHOLD_RATE_LIMIT", 100),
			"suspiciousPattern": getEnvInt("GUARDIAN_THRESHOLD_SUSPICIOUS", 3),
		},
		DecayWindow:              time.Hour,
		EnhancedMonitoringWindow: time.Hour,
		NotifyTimeout:            10 * time.Second,
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for _, p := range cfg.RotationPolicies {
		if _, err := parser.Parse(p.Schedule); err != nil {
			return Config{}, fmt.Errorf("invalid rotation schedule for %q: %w", p.SecretName, err)
		}
	}

	key, err := loadMasterKey(cfg.Environment)
	if err != nil {
		return Config{}, err
	}
	cfg.MasterKey = key

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

// Policy returns the rotation policy for a secret name, if configured.
func (c Config) Policy(name string) (RotationPolicy, bool) {
	for _, p := range c.RotationPolicies {
		if p.SecretName == name {
			return p, true
		}
	}
	return RotationPolicy{}, false
}

// loadMasterKey decodes GUARDIAN_MASTER_KEY (64 hex chars). In development a
// missing key is replaced with an ephemeral random key so local setups boot,
// at the cost of secrets not surviving a restart.
func loadMasterKey(environment string) ([]byte, error) {
	raw := os.Getenv("GUARDIAN_MASTER_KEY")
	if raw == "" {
		if environment == "production" {
			return nil, fmt.Errorf("GUARDIAN_MASTER_KEY is required in production")
		}
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate ephemeral master key: %w", err)
		}
		return key, nil
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode GUARDIAN_MASTER_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("GUARDIAN_MASTER_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}

	return fallback
}
