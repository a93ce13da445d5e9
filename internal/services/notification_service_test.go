package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mealforge/guardian/internal/models"
)

func setupNotificationTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Notification{}, &models.NotificationProvider{}))
	return db
}

// sendCapture replaces shoutrrr delivery in tests.
type sendCapture struct {
	mu   sync.Mutex
	urls []string
	err  error
	done chan struct{}
}

func newSendCapture(expected int) *sendCapture {
	return &sendCapture{done: make(chan struct{}, expected)}
}

func (s *sendCapture) send(url, message string) error {
	s.mu.Lock()
	s.urls = append(s.urls, url)
	s.mu.Unlock()
	s.done <- struct{}{}
	return s.err
}

func (s *sendCapture) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for notification dispatch")
		}
	}
}

func (s *sendCapture) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.urls...)
}

func TestNotificationService_Create(t *testing.T) {
	svc := NewNotificationService(setupNotificationTestDB(t), time.Second)

	notif, err := svc.Create(models.NotificationTypeInfo, "Test", "Message")
	require.NoError(t, err)
	assert.NotEmpty(t, notif.ID)
	assert.Equal(t, "Test", notif.Title)
	assert.False(t, notif.Read)
}

func TestNotificationService_ListAndMarkRead(t *testing.T) {
	db := setupNotificationTestDB(t)
	svc := NewNotificationService(db, time.Second)

	first, err := svc.Create(models.NotificationTypeInfo, "N1", "M1")
	require.NoError(t, err)
	_, err = svc.Create(models.NotificationTypeWarning, "N2", "M2")
	require.NoError(t, err)

	list, err := svc.List(false)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, svc.MarkAsRead(first.ID))
	unread, err := svc.List(true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "N2", unread[0].Title)

	require.NoError(t, svc.MarkAllAsRead())
	unread, err = svc.List(true)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestNotificationService_NotifySecurityStoresAndDispatches(t *testing.T) {
	db := setupNotificationTestDB(t)
	svc := NewNotificationService(db, time.Second)
	capture := newSendCapture(1)
	svc.send = capture.send

	require.NoError(t, svc.CreateProvider(&models.NotificationProvider{
		Name: "ops", Type: "gotify", URL: "gotify://host/token", Enabled: true,
		NotifySecurity: true, NotifyRotation: true,
	}))

	svc.NotifySecurity("Security Alert", "details")
	capture.wait(t, 1)

	assert.Equal(t, []string{"gotify://host/token"}, capture.sent())

	var inbox []models.Notification
	require.NoError(t, db.Find(&inbox).Error)
	require.Len(t, inbox, 1)
	assert.Equal(t, models.NotificationTypeWarning, inbox[0].Type)
}

func TestNotificationService_SendExternalRespectsPreferences(t *testing.T) {
	db := setupNotificationTestDB(t)
	svc := NewNotificationService(db, time.Second)
	capture := newSendCapture(2)
	svc.send = capture.send

	require.NoError(t, svc.CreateProvider(&models.NotificationProvider{
		Name: "security-only", Type: "gotify", URL: "gotify://a/t", Enabled: true,
		NotifySecurity: true, NotifyRotation: false,
	}))
	require.NoError(t, svc.CreateProvider(&models.NotificationProvider{
		Name: "muted", Type: "gotify", URL: "gotify://b/t", Enabled: true,
		NotifySecurity: false, NotifyRotation: false,
	}))
	require.NoError(t, svc.CreateProvider(&models.NotificationProvider{
		Name: "disabled", Type: "gotify", URL: "gotify://c/t", Enabled: false,
		NotifySecurity: true, NotifyRotation: true,
	}))

	svc.SendExternal("security", "title", "message")
	capture.wait(t, 1)
	time.Sleep(50 * time.Millisecond) // give stray dispatches a chance to surface

	assert.Equal(t, []string{"gotify://a/t"}, capture.sent())
}

func TestNotificationService_TestProviderWrapsFailure(t *testing.T) {
	svc := NewNotificationService(setupNotificationTestDB(t), time.Second)
	svc.send = func(url, message string) error { return errors.New("unreachable") }

	err := svc.TestProvider(models.NotificationProvider{Type: "gotify", URL: "gotify://a/t"})
	assert.True(t, errors.Is(err, ErrDeliveryFailed))

	svc.send = func(url, message string) error { return nil }
	assert.NoError(t, svc.TestProvider(models.NotificationProvider{Type: "gotify", URL: "gotify://a/t"}))
}

func TestNormalizeURL_Discord(t *testing.T) {
	raw := "https://discord.com/api/webhooks/123456/abc_DEF-ghi"
	assert.Equal(t, "discord://abc_DEF-ghi@123456", normalizeURL("discord", raw))

	// Non-discord providers pass through untouched.
	assert.Equal(t, "gotify://a/t", normalizeURL("gotify", "gotify://a/t"))
	// Already-normalized discord URLs pass through too.
	assert.Equal(t, "discord://tok@123", normalizeURL("discord", "discord://tok@123"))
}

func TestNotificationService_ProviderCRUD(t *testing.T) {
	svc := NewNotificationService(setupNotificationTestDB(t), time.Second)

	provider := &models.NotificationProvider{Name: "ops", Type: "slack", URL: "slack://token", Enabled: true}
	require.NoError(t, svc.CreateProvider(provider))
	require.NotEmpty(t, provider.ID)

	provider.Name = "ops-renamed"
	require.NoError(t, svc.UpdateProvider(provider))

	providers, err := svc.ListProviders()
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "ops-renamed", providers[0].Name)

	require.NoError(t, svc.DeleteProvider(provider.ID))
	providers, err = svc.ListProviders()
	require.NoError(t, err)
	assert.Empty(t, providers)
}
