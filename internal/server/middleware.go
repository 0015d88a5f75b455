package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/apimeter/apimeter/internal/credential"
	"github.com/apimeter/apimeter/internal/metrics"
	"github.com/apimeter/apimeter/internal/ratelimit"
	"github.com/apimeter/apimeter/internal/security"
	"github.com/apimeter/apimeter/internal/usage"
)

// apiKeyHeader carries the credential secret on metered requests.
const apiKeyHeader = "X-API-Key"

// Gin context keys set by the middleware chain.
const (
	ctxKeyDigest   = "credential_digest"
	ctxKeyIdentity = "credential_identity"
)

// digestFromContext returns the request's credential digest, hashing the
// header once per request.
func digestFromContext(c *gin.Context) (string, bool) {
	if cached, ok := c.Get(ctxKeyDigest); ok {
		digest, _ := cached.(string)
		return digest, digest != ""
	}
	secret := strings.TrimSpace(c.GetHeader(apiKeyHeader))
	if secret == "" {
		c.Set(ctxKeyDigest, "")
		return "", false
	}
	digest := credential.Digest(secret)
	c.Set(ctxKeyDigest, digest)
	return digest, true
}

// identityFromContext returns the resolved identity set by KeyAuth.
func identityFromContext(c *gin.Context) (credential.Identity, bool) {
	value, ok := c.Get(ctxKeyIdentity)
	if !ok {
		return credential.Identity{}, false
	}
	identity, ok := value.(credential.Identity)
	return identity, ok
}

// RequestLog logs one line per completed request.
func RequestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// RateLimit enforces fixed-window admission control. Requests without a
// credential header, or with an unknown one, pass through: rejecting them is
// the auth stage's job, and never with a rate-limit status.
func RateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		digest, ok := digestFromContext(c)
		if !ok {
			c.Next()
			return
		}
		switch limiter.Allow(c.Request.Context(), digest) {
		case ratelimit.Denied:
			metrics.RequestsDenied.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		case ratelimit.Passthrough:
			metrics.RequestsPassthrough.Inc()
		default:
			metrics.RequestsAdmitted.Inc()
		}
		c.Next()
	}
}

// KeyAuth rejects requests whose credential is missing or unknown and stores
// the resolved identity for downstream handlers.
func KeyAuth(resolver *credential.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		digest, ok := digestFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}
		identity, errResolve := resolver.Resolve(c.Request.Context(), digest)
		if errors.Is(errResolve, credential.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		if errResolve != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "credential store unavailable"})
			return
		}
		c.Set(ctxKeyIdentity, identity)
		c.Next()
	}
}

// UsageTracking enqueues one usage event per credentialed request after the
// handler has produced its response. Enqueueing is non-blocking; the response
// never waits on the durable write.
func UsageTracking(recorder *usage.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		digest, ok := digestFromContext(c)
		if !ok {
			return
		}
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		status := c.Writer.Status()
		var detail datatypes.JSON
		if status >= http.StatusBadRequest {
			detail = datatypes.JSON(fmt.Sprintf(`{"status":%d}`, status))
		}
		recorder.Record(usage.Job{
			Digest:      digest,
			Endpoint:    endpoint,
			Method:      c.Request.Method,
			StatusCode:  status,
			ErrorDetail: detail,
		})
	}
}

// AdminAuth gates operator endpoints behind a bearer JWT signed with the
// shared admin secret.
func AdminAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing admin token"})
			return
		}
		if _, errParse := security.ParseAdminToken(secret, strings.TrimSpace(token)); errParse != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}
