package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mealforge/guardian/internal/config"
	"github.com/mealforge/guardian/internal/models"
	"github.com/mealforge/guardian/internal/services"
)

// TokenVerifier exposes the currently valid verification values for a
// secret. Implemented by KeyRotator; during a grace period it returns both
// the new and previous JWT secret so freshly rotated keys never invalidate
// in-flight admin sessions.
type TokenVerifier interface {
	VerificationValues(name string) ([][]byte, error)
}

// AdminAuth verifies the Bearer token against every currently valid JWT
// secret value. Failed attempts are recorded as failedLogin events so
// brute-force streams aggregate into alerts.
func AdminAuth(verifier TokenVerifier, audience string, events services.EventRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			unauthorized(c, events, "missing bearer token")
			return
		}

		keys, err := verifier.VerificationValues(config.SecretJWT)
		if err != nil {
			GetRequestLogger(c).WithError(err).Error("failed to load JWT verification keys")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "authentication unavailable"})
			return
		}

		claims, err := parseWithAnyKey(raw, keys, audience)
		if err != nil {
			unauthorized(c, events, err.Error())
			return
		}

		c.Set("admin_subject", claims.Subject)
		c.Next()
	}
}

// parseWithAnyKey tries each candidate key in order; the rotated-out key is
// attempted last and only accepted while its grace period lasts (callers
// pass only currently valid keys).
func parseWithAnyKey(raw string, keys [][]byte, audience string) (*jwt.RegisteredClaims, error) {
	var lastErr error
	for _, key := range keys {
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return key, nil
		}, jwt.WithAudience(audience), jwt.WithValidMethods([]string{"HS256"}))
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no verification keys configured")
	}
	return nil, lastErr
}

func unauthorized(c *gin.Context, events services.EventRecorder, reason string) {
	if events != nil {
		event := &models.SecurityEvent{
			Type:     models.EventFailedLogin,
			SourceID: c.ClientIP(),
			Severity: models.SeverityMedium,
		}
		event.SetDetails(map[string]interface{}{"reason": reason, "path": c.Request.URL.Path})
		events.Record(event)
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
}
