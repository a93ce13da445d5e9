package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mealforge/guardian/internal/config"
	"github.com/mealforge/guardian/internal/models"
)

// alertCapture collects published alerts.
type alertCapture struct {
	mu     sync.Mutex
	alerts []*models.Alert
}

func (c *alertCapture) Publish(alert *models.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
}

func (c *alertCapture) all() []*models.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Alert{}, c.alerts...)
}

func setupAggregatorTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.SecurityEvent{}))
	return db
}

func aggConfig() config.Config {
	return config.Config{
		AlertThresholds: config.Thresholds{
			models.EventFailedLogin:       5,
			models.EventAPIRateLimit:      100,
			models.EventSuspiciousPattern: 3,
		},
		DecayWindow: time.Hour,
	}
}

func recordN(a *EventAggregator, eventType, sourceID string, n int, at time.Time) {
	for i := 0; i < n; i++ {
		a.Record(&models.SecurityEvent{
			Type:      eventType,
			SourceID:  sourceID,
			Severity:  models.SeverityMedium,
			CreatedAt: at,
		})
	}
}

func TestEventAggregator_CountsPerTypeAndSource(t *testing.T) {
	agg := NewEventAggregator(setupAggregatorTestDB(t), aggConfig())
	now := time.Now()
	agg.now = func() time.Time { return now }

	recordN(agg, models.EventFailedLogin, "1.2.3.4", 2, now)
	recordN(agg, models.EventFailedLogin, "9.9.9.9", 1, now)
	recordN(agg, models.EventAPIRateLimit, "1.2.3.4", 3, now)

	assert.Equal(t, 2, agg.Count(models.EventFailedLogin, "1.2.3.4"))
	assert.Equal(t, 1, agg.Count(models.EventFailedLogin, "9.9.9.9"))
	assert.Equal(t, 3, agg.Count(models.EventAPIRateLimit, "1.2.3.4"))
	assert.Equal(t, 0, agg.Count(models.EventSuspiciousPattern, "1.2.3.4"))
}

func TestEventAggregator_PersistsEvents(t *testing.T) {
	db := setupAggregatorTestDB(t)
	agg := NewEventAggregator(db, aggConfig())

	agg.Record(&models.SecurityEvent{Type: models.EventFailedLogin, SourceID: "1.2.3.4"})

	var stored []models.SecurityEvent
	require.NoError(t, db.Find(&stored).Error)
	require.Len(t, stored, 1)
	assert.NotEmpty(t, stored[0].UUID)
	assert.False(t, stored[0].CreatedAt.IsZero())
}

func TestEventAggregator_IncrementsDecayIndependently(t *testing.T) {
	agg := NewEventAggregator(setupAggregatorTestDB(t), aggConfig())
	base := time.Now()
	now := base
	agg.now = func() time.Time { return now }

	// Three increments, ten minutes apart.
	for i := 0; i < 3; i++ {
		recordN(agg, models.EventFailedLogin, "1.2.3.4", 1, base.Add(time.Duration(i)*10*time.Minute))
	}

	now = base.Add(25 * time.Minute)
	assert.Equal(t, 3, agg.Count(models.EventFailedLogin, "1.2.3.4"))

	// The first increment is older than the decay window now; the rest remain.
	now = base.Add(61 * time.Minute)
	assert.Equal(t, 2, agg.Count(models.EventFailedLogin, "1.2.3.4"))

	now = base.Add(3 * time.Hour)
	assert.Equal(t, 0, agg.Count(models.EventFailedLogin, "1.2.3.4"))
}

func TestEventAggregator_AlertAtThresholdExactlyOnce(t *testing.T) {
	agg := NewEventAggregator(setupAggregatorTestDB(t), aggConfig())
	sink := &alertCapture{}
	agg.SetAlertSink(sink)
	now := time.Now()

	recordN(agg, models.EventFailedLogin, "1.2.3.4", 4, now)
	assert.Empty(t, sink.all(), "below threshold")

	recordN(agg, models.EventFailedLogin, "1.2.3.4", 1, now)
	alerts := sink.all()
	require.Len(t, alerts, 1, "crossing the threshold fires exactly once")
	assert.Equal(t, models.AlertExcessiveFailedLogins, alerts[0].Type)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "failedLogin:1.2.3.4", alerts[0].SourceEventKey)

	// Staying above threshold must not re-fire.
	recordN(agg, models.EventFailedLogin, "1.2.3.4", 3, now)
	assert.Len(t, sink.all(), 1)
}

func TestEventAggregator_ReArmsAfterDecay(t *testing.T) {
	agg := NewEventAggregator(setupAggregatorTestDB(t), aggConfig())
	sink := &alertCapture{}
	agg.SetAlertSink(sink)

	base := time.Now()
	now := base
	agg.now = func() time.Time { return now }

	recordN(agg, models.EventSuspiciousPattern, "1.2.3.4", 3, base)
	require.Len(t, sink.all(), 1)

	// Everything decays; the sweep re-arms the trigger and drops the counter.
	now = base.Add(2 * time.Hour)
	agg.Sweep()
	assert.Equal(t, 0, agg.Count(models.EventSuspiciousPattern, "1.2.3.4"))

	recordN(agg, models.EventSuspiciousPattern, "1.2.3.4", 3, now)
	assert.Len(t, sink.all(), 2, "a fresh burst after decay fires again")
}

func TestEventAggregator_PerSourceIsolation(t *testing.T) {
	agg := NewEventAggregator(setupAggregatorTestDB(t), aggConfig())
	sink := &alertCapture{}
	agg.SetAlertSink(sink)
	now := time.Now()

	recordN(agg, models.EventSuspiciousPattern, "1.2.3.4", 3, now)
	recordN(agg, models.EventSuspiciousPattern, "9.9.9.9", 2, now)

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, "suspiciousPattern:1.2.3.4", alerts[0].SourceEventKey)
	assert.Equal(t, 2, agg.Count(models.EventSuspiciousPattern, "9.9.9.9"))
}

func TestEventAggregator_APIRateLimitSeverity(t *testing.T) {
	agg := NewEventAggregator(setupAggregatorTestDB(t), aggConfig())
	sink := &alertCapture{}
	agg.SetAlertSink(sink)
	now := time.Now()

	recordN(agg, models.EventAPIRateLimit, "1.2.3.4", 100, now)

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertAPIRateLimitExceeded, alerts[0].Type)
	assert.Equal(t, models.SeverityMedium, alerts[0].Severity)
}

func TestEventAggregator_UnmonitoredTypeNeverAlerts(t *testing.T) {
	agg := NewEventAggregator(setupAggregatorTestDB(t), aggConfig())
	sink := &alertCapture{}
	agg.SetAlertSink(sink)
	now := time.Now()

	recordN(agg, models.EventKeyRotation, "rotator", 50, now)
	assert.Empty(t, sink.all())
}

func TestEventAggregator_EnhancedMonitoringLowersThreshold(t *testing.T) {
	agg := NewEventAggregator(setupAggregatorTestDB(t), aggConfig())
	sink := &alertCapture{}
	agg.SetAlertSink(sink)

	base := time.Now()
	now := base
	agg.now = func() time.Time { return now }

	agg.LowerThresholds("1.2.3.4", base.Add(time.Hour))
	assert.True(t, agg.EnhancedMonitoringActive("1.2.3.4"))
	assert.False(t, agg.EnhancedMonitoringActive("9.9.9.9"))

	// failedLogin threshold 5 halves to 2 under enhanced monitoring.
	recordN(agg, models.EventFailedLogin, "1.2.3.4", 2, base)
	require.Len(t, sink.all(), 1)

	// Other sources keep the full threshold.
	recordN(agg, models.EventFailedLogin, "9.9.9.9", 2, base)
	assert.Len(t, sink.all(), 1)

	// The override expires on its own.
	now = base.Add(2 * time.Hour)
	assert.False(t, agg.EnhancedMonitoringActive("1.2.3.4"))
	agg.Sweep()
	recordN(agg, models.EventFailedLogin, "5.6.7.8", 2, now)
	assert.Len(t, sink.all(), 1)
}

func TestEventAggregator_SweepDropsEmptyCounters(t *testing.T) {
	agg := NewEventAggregator(setupAggregatorTestDB(t), aggConfig())

	base := time.Now()
	now := base
	agg.now = func() time.Time { return now }

	recordN(agg, models.EventFailedLogin, "1.2.3.4", 2, base)
	now = base.Add(2 * time.Hour)
	agg.Sweep()

	agg.mu.Lock()
	size := len(agg.counters)
	agg.mu.Unlock()
	assert.Equal(t, 0, size)
}

func TestEventAggregator_SweepDoesNotLoseConcurrentIncrement(t *testing.T) {
	agg := NewEventAggregator(setupAggregatorTestDB(t), aggConfig())

	key := counterKey{eventType: models.EventFailedLogin, sourceID: "1.2.3.4"}

	// An in-flight Record has looked the counter up but not locked it yet
	// when the sweep drops the empty counter.
	stale := agg.counter(key)
	agg.Sweep()

	stale.mu.Lock()
	assert.True(t, stale.dead, "detached counter must be marked so late lockers retry")
	stale.mu.Unlock()

	// The late locker must land on a fresh live counter, not the detached one.
	live := agg.lockedCounter(key)
	assert.NotSame(t, stale, live)
	live.mu.Unlock()

	agg.Record(&models.SecurityEvent{Type: models.EventFailedLogin, SourceID: "1.2.3.4"})
	assert.Equal(t, 1, agg.Count(models.EventFailedLogin, "1.2.3.4"))
}

func TestEventAggregator_NilEventIgnored(t *testing.T) {
	agg := NewEventAggregator(setupAggregatorTestDB(t), aggConfig())
	assert.NotPanics(t, func() { agg.Record(nil) })
}
