package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mealforge/guardian/internal/services"
)

// BlockChecker answers whether a source is on the block list. Implemented by
// IncidentResponder.
type BlockChecker interface {
	IsBlocked(sourceID string) bool
}

// RequestAssessor scores a request for threat risk. Implemented by
// ThreatService.
type RequestAssessor interface {
	Assess(req services.RequestInfo) services.ThreatAssessment
}

// Admission gates every request on the block list and feeds it through the
// threat pipeline. A request whose own assessment crosses the block
// threshold is rejected immediately; otherwise assessment is advisory and
// never fails the request.
func Admission(blocks BlockChecker, assessor RequestAssessor) gin.HandlerFunc {
	return func(c *gin.Context) {
		source := c.ClientIP()

		if blocks.IsBlocked(source) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "source blocked"})
			return
		}

		headers := make(map[string]string, len(c.Request.Header))
		for name := range c.Request.Header {
			headers[name] = c.Request.Header.Get(name)
		}

		assessor.Assess(services.RequestInfo{
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			Query:      c.Request.URL.RawQuery,
			SourceID:   source,
			UserAgent:  c.Request.UserAgent(),
			Headers:    headers,
			ReceivedAt: time.Now(),
		})

		// The pipeline blocks sources above its score threshold as part of
		// the assessment; re-check so the offending request is the first
		// one rejected.
		if blocks.IsBlocked(source) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "source blocked"})
			return
		}

		c.Next()
	}
}
