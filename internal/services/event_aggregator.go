package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mealforge/guardian/internal/config"
	"github.com/mealforge/guardian/internal/logger"
	"github.com/mealforge/guardian/internal/metrics"
	"github.com/mealforge/guardian/internal/models"
)

// AlertPublisher receives alerts when a counter crosses its threshold.
type AlertPublisher interface {
	Publish(alert *models.Alert)
}

// counterKey identifies a window counter: one per (event type, source).
type counterKey struct {
	eventType string
	sourceID  string
}

func (k counterKey) String() string {
	return k.eventType + ":" + k.sourceID
}

// windowCounter approximates a sliding-window count: every increment expires
// independently after the decay window, so the count is the number of
// contributing events still inside the window. The above flag implements
// edge-triggered alerting; it re-arms only once decay brings the count back
// below threshold.
type windowCounter struct {
	mu          sync.Mutex
	expiries    []time.Time
	above       bool
	dead        bool
	windowStart time.Time
}

// prune drops expired increments and returns the remaining count.
func (c *windowCounter) prune(now time.Time) int {
	kept := c.expiries[:0]
	for _, exp := range c.expiries {
		if exp.After(now) {
			kept = append(kept, exp)
		}
	}
	c.expiries = kept
	return len(kept)
}

// EventAggregator turns streams of security events into alerts. Counters are
// held in memory only: after a restart all counters start from zero, which is
// an accepted approximation of the sliding window (decay bookkeeping is not
// durable by design).
type EventAggregator struct {
	db         *gorm.DB
	thresholds config.Thresholds
	decay      time.Duration

	mu       sync.Mutex
	counters map[counterKey]*windowCounter

	overrideMu sync.Mutex
	overrides  map[string]time.Time // sourceID -> override expiry

	sink AlertPublisher
	now  func() time.Time
}

// NewEventAggregator returns an aggregator using the configured per-type
// thresholds and decay window.
func NewEventAggregator(db *gorm.DB, cfg config.Config) *EventAggregator {
	return &EventAggregator{
		db:         db,
		thresholds: cfg.AlertThresholds,
		decay:      cfg.DecayWindow,
		counters:   make(map[counterKey]*windowCounter),
		overrides:  make(map[string]time.Time),
		now:        time.Now,
	}
}

// SetAlertSink attaches the alert destination. Set after construction because
// the sink's responder needs the aggregator for threshold overrides.
func (a *EventAggregator) SetAlertSink(sink AlertPublisher) {
	a.sink = sink
}

// Record ingests a security event. It never fails observably: persistence and
// alerting problems are logged and swallowed so event recording cannot block
// or break request processing.
func (a *EventAggregator) Record(event *models.SecurityEvent) {
	if event == nil {
		return
	}
	if event.UUID == "" {
		event.UUID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = a.now()
	}
	metrics.IncEvent(event.Type)

	if err := a.db.Create(event).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"type":   event.Type,
			"source": event.SourceID,
		}).WithError(err).Error("failed to persist security event")
	}

	key := counterKey{eventType: event.Type, sourceID: event.SourceID}
	now := event.CreatedAt

	c := a.lockedCounter(key)
	count := c.prune(now)
	if count == 0 {
		c.windowStart = now
	}
	c.expiries = append(c.expiries, now.Add(a.decay))
	count++

	threshold, monitored := a.thresholds[event.Type]
	var fire bool
	if monitored {
		effective := a.effectiveThreshold(threshold, event.SourceID, now)
		if count >= effective && !c.above {
			c.above = true
			fire = true
		} else if count < effective {
			c.above = false
		}
	}
	c.mu.Unlock()

	if fire {
		a.emitAlert(event, key, count)
	}
}

// Sweep prunes decayed increments and drops empty counters plus expired
// threshold overrides. Run on the shared scheduler cadence.
func (a *EventAggregator) Sweep() {
	now := a.now()

	a.mu.Lock()
	keys := make([]counterKey, 0, len(a.counters))
	for k := range a.counters {
		keys = append(keys, k)
	}
	a.mu.Unlock()

	for _, k := range keys {
		c := a.counter(k)
		c.mu.Lock()
		count := c.prune(now)
		if threshold, ok := a.thresholds[k.eventType]; ok && count < a.effectiveThreshold(threshold, k.sourceID, now) {
			c.above = false
		}
		empty := count == 0
		c.mu.Unlock()

		if empty {
			a.mu.Lock()
			if cur, ok := a.counters[k]; ok && cur == c {
				cur.mu.Lock()
				if len(cur.expiries) == 0 {
					// Marked under the counter lock so a Record that already
					// looked this counter up retries instead of incrementing
					// a detached counter.
					cur.dead = true
					delete(a.counters, k)
				}
				cur.mu.Unlock()
			}
			a.mu.Unlock()
		}
	}

	a.overrideMu.Lock()
	for source, until := range a.overrides {
		if !until.After(now) {
			delete(a.overrides, source)
		}
	}
	a.overrideMu.Unlock()
}

// Count returns the current window count for an event type and source.
func (a *EventAggregator) Count(eventType, sourceID string) int {
	c := a.lockedCounter(counterKey{eventType: eventType, sourceID: sourceID})
	defer c.mu.Unlock()
	return c.prune(a.now())
}

// LowerThresholds enables enhanced monitoring for a source: its thresholds
// are halved (floored at 1) until the deadline, then revert automatically.
func (a *EventAggregator) LowerThresholds(sourceID string, until time.Time) {
	a.overrideMu.Lock()
	defer a.overrideMu.Unlock()
	if existing, ok := a.overrides[sourceID]; !ok || until.After(existing) {
		a.overrides[sourceID] = until
	}
}

// EnhancedMonitoringActive reports whether a source currently has lowered
// thresholds.
func (a *EventAggregator) EnhancedMonitoringActive(sourceID string) bool {
	a.overrideMu.Lock()
	defer a.overrideMu.Unlock()
	until, ok := a.overrides[sourceID]
	return ok && until.After(a.now())
}

func (a *EventAggregator) effectiveThreshold(base int, sourceID string, now time.Time) int {
	a.overrideMu.Lock()
	until, ok := a.overrides[sourceID]
	a.overrideMu.Unlock()
	if !ok || !until.After(now) {
		return base
	}
	lowered := base / 2
	if lowered < 1 {
		lowered = 1
	}
	return lowered
}

// counter returns the windowCounter for a key, creating it if needed. The
// outer map lock is held only for lookup so counters for different keys do
// not contend.
func (a *EventAggregator) counter(key counterKey) *windowCounter {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counters[key]
	if !ok {
		c = &windowCounter{}
		a.counters[key] = c
	}
	return c
}

// lockedCounter returns the counter for a key with its mutex held. The sweep
// can detach a counter between the map lookup and the lock acquisition; such
// counters are marked dead under their lock, so looping here guarantees the
// caller always holds the live counter and no increment is lost.
func (a *EventAggregator) lockedCounter(key counterKey) *windowCounter {
	for {
		c := a.counter(key)
		c.mu.Lock()
		if !c.dead {
			return c
		}
		c.mu.Unlock()
	}
}

func (a *EventAggregator) emitAlert(event *models.SecurityEvent, key counterKey, count int) {
	if a.sink == nil {
		logger.Log().Warn("alert threshold crossed but no alert sink attached")
		return
	}

	alert := &models.Alert{
		Type:           alertTypeFor(event.Type),
		Severity:       alertSeverityFor(event.Type),
		SourceEventKey: key.String(),
		CreatedAt:      a.now(),
	}
	alert.Details = fmt.Sprintf(`{"source_id":%q,"event_type":%q,"count":%d}`, event.SourceID, event.Type, count)
	a.sink.Publish(alert)
}

func alertTypeFor(eventType string) string {
	switch eventType {
	case models.EventFailedLogin:
		return models.AlertExcessiveFailedLogins
	case models.EventAPIRateLimit:
		return models.AlertAPIRateLimitExceeded
	case models.EventSuspiciousPattern:
		return models.AlertSuspiciousActivity
	default:
		return eventType
	}
}

func alertSeverityFor(eventType string) models.Severity {
	switch eventType {
	case models.EventFailedLogin, models.EventSuspiciousPattern, models.EventThreatDetected:
		return models.SeverityHigh
	case models.EventAPIRateLimit:
		return models.SeverityMedium
	default:
		return models.SeverityMedium
	}
}
