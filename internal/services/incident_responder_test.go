package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mealforge/guardian/internal/models"
)

type recorderStub struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (r *recorderStub) Record(event *models.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorderStub) typed(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type overriderStub struct {
	mu      sync.Mutex
	sources map[string]time.Time
}

func (o *overriderStub) LowerThresholds(sourceID string, until time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sources == nil {
		o.sources = make(map[string]time.Time)
	}
	o.sources[sourceID] = until
}

type notifierStub struct {
	mu     sync.Mutex
	titles []string
}

func (n *notifierStub) NotifySecurity(title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *notifierStub) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

func setupResponderTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.BlockedSource{}))
	return db
}

func newTestResponder(t *testing.T) (*IncidentResponder, *gorm.DB, *recorderStub, *overriderStub, *notifierStub) {
	db := setupResponderTestDB(t)
	events := &recorderStub{}
	overrider := &overriderStub{}
	notifier := &notifierStub{}
	responder := NewIncidentResponder(db, events, overrider, notifier, time.Hour)
	return responder, db, events, overrider, notifier
}

func TestIncidentResponder_BlockIsIdempotent(t *testing.T) {
	responder, db, events, _, _ := newTestResponder(t)

	require.NoError(t, responder.BlockSource("1.2.3.4", "test"))
	require.NoError(t, responder.BlockSource("1.2.3.4", "test again"))

	var count int64
	db.Model(&models.BlockedSource{}).Count(&count)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 1, events.typed(models.EventSourceBlocked), "repeat block records nothing")
	assert.True(t, responder.IsBlocked("1.2.3.4"))
}

func TestIncidentResponder_BlockRejectsEmptySource(t *testing.T) {
	responder, _, _, _, _ := newTestResponder(t)
	assert.Error(t, responder.BlockSource("", "reason"))
}

func TestIncidentResponder_Unblock(t *testing.T) {
	responder, db, _, _, _ := newTestResponder(t)

	require.NoError(t, responder.BlockSource("1.2.3.4", "test"))
	require.NoError(t, responder.Unblock("1.2.3.4"))

	assert.False(t, responder.IsBlocked("1.2.3.4"))
	var count int64
	db.Model(&models.BlockedSource{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestIncidentResponder_LoadBlockList(t *testing.T) {
	responder, db, _, _, _ := newTestResponder(t)

	require.NoError(t, db.Create(&models.BlockedSource{SourceID: "5.6.7.8", Reason: "previous run"}).Error)
	assert.False(t, responder.IsBlocked("5.6.7.8"))

	require.NoError(t, responder.LoadBlockList())
	assert.True(t, responder.IsBlocked("5.6.7.8"))
}

func TestIncidentResponder_EnableEnhancedMonitoring(t *testing.T) {
	responder, _, events, overrider, _ := newTestResponder(t)

	clock := time.Now()
	responder.now = func() time.Time { return clock }

	responder.EnableEnhancedMonitoring("1.2.3.4")

	until, ok := overrider.sources["1.2.3.4"]
	require.True(t, ok)
	assert.True(t, until.Equal(clock.Add(time.Hour)))
	assert.Equal(t, 1, events.typed(models.EventEnhancedMonitoring))
}

func TestIncidentResponder_RespondFailedLogins(t *testing.T) {
	responder, _, _, _, notifier := newTestResponder(t)

	responder.Respond(&models.Alert{
		Type:           models.AlertExcessiveFailedLogins,
		Severity:       models.SeverityHigh,
		SourceEventKey: "failedLogin:1.2.3.4",
	})

	assert.True(t, responder.IsBlocked("1.2.3.4"))
	assert.Equal(t, 1, notifier.count())
}

func TestIncidentResponder_RespondSuspiciousActivity(t *testing.T) {
	responder, _, _, overrider, notifier := newTestResponder(t)

	responder.Respond(&models.Alert{
		Type:           models.AlertSuspiciousActivity,
		Severity:       models.SeverityHigh,
		SourceEventKey: "suspiciousPattern:1.2.3.4",
	})

	_, monitored := overrider.sources["1.2.3.4"]
	assert.True(t, monitored, "suspicious activity escalates to enhanced monitoring")
	assert.False(t, responder.IsBlocked("1.2.3.4"), "suspicious activity does not block outright")
	assert.Equal(t, 1, notifier.count())
}

func TestIncidentResponder_RespondThreatNotifiesOnly(t *testing.T) {
	responder, _, _, overrider, notifier := newTestResponder(t)

	responder.Respond(&models.Alert{
		Type:           models.AlertThreatDetected,
		Severity:       models.SeverityHigh,
		SourceEventKey: "threat_detected:1.2.3.4",
	})

	assert.False(t, responder.IsBlocked("1.2.3.4"))
	assert.Empty(t, overrider.sources)
	assert.Equal(t, 1, notifier.count())
}

func TestSourceFromEventKey(t *testing.T) {
	assert.Equal(t, "1.2.3.4", sourceFromEventKey("failedLogin:1.2.3.4"))
	assert.Equal(t, "::1", sourceFromEventKey("failedLogin:::1"), "IPv6 source IDs keep their colons")
	assert.Equal(t, "", sourceFromEventKey("malformed"))
}
