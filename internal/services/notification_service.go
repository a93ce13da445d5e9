package services

import (
	"fmt"
	"regexp"
	"time"

	"github.com/containrrr/shoutrrr"
	"gorm.io/gorm"

	"github.com/mealforge/guardian/internal/logger"
	"github.com/mealforge/guardian/internal/models"
)

// NotificationService delivers admin notifications: internal inbox rows in
// the database, plus external dispatch through shoutrrr provider URLs
// (discord, slack, gotify, telegram, smtp, generic webhooks).
type NotificationService struct {
	DB      *gorm.DB
	timeout time.Duration

	// send is swappable for tests; defaults to shoutrrr.Send.
	send func(url, message string) error
}

// NewNotificationService returns a service with the given per-delivery
// timeout bound.
func NewNotificationService(db *gorm.DB, timeout time.Duration) *NotificationService {
	return &NotificationService{
		DB:      db,
		timeout: timeout,
		send:    shoutrrr.Send,
	}
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

func normalizeURL(serviceType, rawURL string) string {
	if serviceType == "discord" {
		matches := discordWebhookRegex.FindStringSubmatch(rawURL)
		if len(matches) == 3 {
			id := matches[1]
			token := matches[2]
			return fmt.Sprintf("discord://%s@%s", token, id)
		}
	}
	return rawURL
}

// Internal Notifications (DB)

func (s *NotificationService) Create(nType models.NotificationType, title, message string) (*models.Notification, error) {
	notification := &models.Notification{
		Type:    nType,
		Title:   title,
		Message: message,
		Read:    false,
	}
	result := s.DB.Create(notification)
	return notification, result.Error
}

func (s *NotificationService) List(unreadOnly bool) ([]models.Notification, error) {
	var notifications []models.Notification
	query := s.DB.Order("created_at desc")
	if unreadOnly {
		query = query.Where("read = ?", false)
	}
	result := query.Find(&notifications)
	return notifications, result.Error
}

func (s *NotificationService) MarkAsRead(id string) error {
	return s.DB.Model(&models.Notification{}).Where("id = ?", id).Update("read", true).Error
}

func (s *NotificationService) MarkAllAsRead() error {
	return s.DB.Model(&models.Notification{}).Where("read = ?", false).Update("read", true).Error
}

// External Notifications (Shoutrrr)

// NotifySecurity records an inbox entry and dispatches to every enabled
// provider that opted into security notifications.
func (s *NotificationService) NotifySecurity(title, message string) {
	if _, err := s.Create(models.NotificationTypeWarning, title, message); err != nil {
		logger.Log().WithError(err).Error("failed to store internal notification")
	}
	s.SendExternal("security", title, message)
}

// SendExternal dispatches to enabled providers matching the event type.
// Fire-and-forget: each delivery runs detached with a bounded timeout after
// which it is abandoned and logged as failed, never retried. Delivery
// failures never feed back into the alert pipeline.
func (s *NotificationService) SendExternal(eventType, title, message string) {
	var providers []models.NotificationProvider
	if err := s.DB.Where("enabled = ?", true).Find(&providers).Error; err != nil {
		logger.Log().WithError(err).Error("failed to fetch notification providers")
		return
	}

	for _, provider := range providers {
		shouldSend := false
		switch eventType {
		case "security":
			shouldSend = provider.NotifySecurity
		case "rotation":
			shouldSend = provider.NotifyRotation
		case "test":
			shouldSend = true
		default:
			shouldSend = true
		}

		if !shouldSend {
			continue
		}

		go s.deliver(provider, fmt.Sprintf("%s\n\n%s", title, message))
	}
}

// deliver sends one message to one provider, abandoning the attempt once the
// timeout elapses.
func (s *NotificationService) deliver(provider models.NotificationProvider, message string) {
	url := normalizeURL(provider.Type, provider.URL)
	done := make(chan error, 1)
	go func() {
		done <- s.send(url, message)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"provider": provider.Name,
			}).WithError(err).Error("notification delivery failed")
		}
	case <-time.After(s.timeout):
		logger.WithFields(map[string]interface{}{
			"provider": provider.Name,
			"timeout":  s.timeout.String(),
		}).Error("notification delivery timed out, abandoned")
	}
}

// TestProvider sends a test message synchronously so the admin UI can report
// the outcome.
func (s *NotificationService) TestProvider(provider models.NotificationProvider) error {
	url := normalizeURL(provider.Type, provider.URL)
	if err := s.send(url, "Test notification from Guardian"); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// Provider Management

func (s *NotificationService) ListProviders() ([]models.NotificationProvider, error) {
	var providers []models.NotificationProvider
	result := s.DB.Find(&providers)
	return providers, result.Error
}

func (s *NotificationService) CreateProvider(provider *models.NotificationProvider) error {
	return s.DB.Create(provider).Error
}

func (s *NotificationService) UpdateProvider(provider *models.NotificationProvider) error {
	return s.DB.Save(provider).Error
}

func (s *NotificationService) DeleteProvider(id string) error {
	return s.DB.Delete(&models.NotificationProvider{}, "id = ?", id).Error
}
