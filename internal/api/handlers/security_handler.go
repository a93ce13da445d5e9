package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mealforge/guardian/internal/services"
)

// SecurityHandler exposes the admin-facing query surface of the security
// core: event/alert queries, reports, block list management and manual
// secret rotation.
type SecurityHandler struct {
	sink      *services.AlertSink
	responder *services.IncidentResponder
	rotator   *services.KeyRotator
}

// NewSecurityHandler creates a new SecurityHandler.
func NewSecurityHandler(sink *services.AlertSink, responder *services.IncidentResponder, rotator *services.KeyRotator) *SecurityHandler {
	return &SecurityHandler{sink: sink, responder: responder, rotator: rotator}
}

// ListEvents returns persisted security events, filtered by query params.
func (h *SecurityHandler) ListEvents(c *gin.Context) {
	filter := services.EventFilter{
		Type:     c.Query("type"),
		SourceID: c.Query("source"),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'since' timestamp, want RFC3339"})
			return
		}
		filter.Since = t
	}
	if until := c.Query("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'until' timestamp, want RFC3339"})
			return
		}
		filter.Until = t
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit'"})
			return
		}
		filter.Limit = n
	}

	events, err := h.sink.QueryEvents(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query events"})
		return
	}
	c.JSON(http.StatusOK, events)
}

// ListAlerts returns recent alerts.
func (h *SecurityHandler) ListAlerts(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit'"})
			return
		}
		limit = n
	}

	alerts, err := h.sink.QueryAlerts(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query alerts"})
		return
	}
	c.JSON(http.StatusOK, alerts)
}

// GetReport returns the aggregated security report for a period. Defaults to
// the trailing 7 days.
func (h *SecurityHandler) GetReport(c *gin.Context) {
	end := time.Now()
	start := end.AddDate(0, 0, -7)

	if raw := c.Query("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'start' timestamp, want RFC3339"})
			return
		}
		start = t
	}
	if raw := c.Query("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'end' timestamp, want RFC3339"})
			return
		}
		end = t
	}

	report, err := h.sink.GenerateReport(start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate report"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetBlockList returns the current block list.
func (h *SecurityHandler) GetBlockList(c *gin.Context) {
	list, err := h.responder.BlockList()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list blocked sources"})
		return
	}
	c.JSON(http.StatusOK, list)
}

type blockRequest struct {
	SourceID string `json:"source_id" binding:"required"`
	Reason   string `json:"reason"`
}

// BlockSource adds a source to the block list manually.
func (h *SecurityHandler) BlockSource(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_id is required"})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual block"
	}
	if err := h.responder.BlockSource(req.SourceID, reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to block source"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "source blocked", "source_id": req.SourceID})
}

// UnblockSource removes a source from the block list.
func (h *SecurityHandler) UnblockSource(c *gin.Context) {
	sourceID := c.Param("source")
	if err := h.responder.Unblock(sourceID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unblock source"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "source unblocked", "source_id": sourceID})
}

// ListSecrets reports rotation status for managed secrets. Secret values are
// never returned.
func (h *SecurityHandler) ListSecrets(c *gin.Context) {
	statuses, err := h.rotator.Status()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load secret status"})
		return
	}
	c.JSON(http.StatusOK, statuses)
}

// RotateSecret triggers an immediate rotation for one secret.
func (h *SecurityHandler) RotateSecret(c *gin.Context) {
	name := c.Param("name")
	if err := h.rotator.Rotate(name); err != nil {
		if errors.Is(err, services.ErrUnknownSecret) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown secret"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rotation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "secret rotated", "name": name})
}
