package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mealforge/guardian/internal/models"
	"github.com/mealforge/guardian/internal/services"
)

// NotificationProviderHandler manages external notification providers.
type NotificationProviderHandler struct {
	service *services.NotificationService
}

// NewNotificationProviderHandler creates a new NotificationProviderHandler.
func NewNotificationProviderHandler(service *services.NotificationService) *NotificationProviderHandler {
	return &NotificationProviderHandler{service: service}
}

// List returns all configured providers.
func (h *NotificationProviderHandler) List(c *gin.Context) {
	providers, err := h.service.ListProviders()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch providers"})
		return
	}
	c.JSON(http.StatusOK, providers)
}

type providerRequest struct {
	Name           string `json:"name" binding:"required"`
	Type           string `json:"type" binding:"required"`
	URL            string `json:"url" binding:"required"`
	Enabled        bool   `json:"enabled"`
	NotifySecurity *bool  `json:"notify_security"`
	NotifyRotation *bool  `json:"notify_rotation"`
}

// Create registers a new provider.
func (h *NotificationProviderHandler) Create(c *gin.Context) {
	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, type and url are required"})
		return
	}

	provider := models.NotificationProvider{
		Name:           req.Name,
		Type:           req.Type,
		URL:            req.URL,
		Enabled:        req.Enabled,
		NotifySecurity: true,
		NotifyRotation: true,
	}
	if req.NotifySecurity != nil {
		provider.NotifySecurity = *req.NotifySecurity
	}
	if req.NotifyRotation != nil {
		provider.NotifyRotation = *req.NotifyRotation
	}

	if err := h.service.CreateProvider(&provider); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create provider"})
		return
	}
	c.JSON(http.StatusCreated, provider)
}

// Update modifies an existing provider.
func (h *NotificationProviderHandler) Update(c *gin.Context) {
	id := c.Param("id")

	var existing models.NotificationProvider
	if err := h.service.DB.First(&existing, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch provider"})
		return
	}

	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, type and url are required"})
		return
	}

	existing.Name = req.Name
	existing.Type = req.Type
	existing.URL = req.URL
	existing.Enabled = req.Enabled
	if req.NotifySecurity != nil {
		existing.NotifySecurity = *req.NotifySecurity
	}
	if req.NotifyRotation != nil {
		existing.NotifyRotation = *req.NotifyRotation
	}

	if err := h.service.UpdateProvider(&existing); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update provider"})
		return
	}
	c.JSON(http.StatusOK, existing)
}

// Delete removes a provider.
func (h *NotificationProviderHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.DeleteProvider(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete provider"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "provider deleted"})
}

// Test sends a test message through a provider and reports the outcome.
func (h *NotificationProviderHandler) Test(c *gin.Context) {
	id := c.Param("id")

	var provider models.NotificationProvider
	if err := h.service.DB.First(&provider, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch provider"})
		return
	}

	if err := h.service.TestProvider(provider); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "test notification sent"})
}
