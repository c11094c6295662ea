package tracking

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/imrejaul007/pentouz-pms-sub017/internal/apikeys"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/ratelimit"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/ctxkeys"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/geoip"
)

// defaultSkipPaths are never tracked or rate limited
var defaultSkipPaths = map[string]bool{
	"/health":      true,
	"/healthz":     true,
	"/metrics":     true,
	"/favicon.ico": true,
}

// InterceptorConfig wires the interceptor's collaborators
type InterceptorConfig struct {
	Registry   *apikeys.Registry
	Limiter    *ratelimit.Limiter
	Aggregator *Aggregator
	Geo        *geoip.Reader
	Logger     *logrus.Logger
	// SkipPaths extends the default skip set
	SkipPaths []string
}

// Interceptor is the middleware installed in front of all API handlers.
// It authenticates API keys, enforces rate limits before the handler runs,
// and observes every request after the response has been written.
type Interceptor struct {
	config InterceptorConfig
	skip   map[string]bool
}

// NewInterceptor creates the interceptor middleware
func NewInterceptor(config InterceptorConfig) *Interceptor {
	skip := make(map[string]bool, len(defaultSkipPaths)+len(config.SkipPaths))
	for p := range defaultSkipPaths {
		skip[p] = true
	}
	for _, p := range config.SkipPaths {
		skip[p] = true
	}
	return &Interceptor{config: config, skip: skip}
}

// extractKey pulls the plaintext API key from Authorization: Bearer or
// X-API-Key. Returns "" when no key is presented.
func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// Handler returns the gin middleware
func (i *Interceptor) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if i.skip[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		requestBytes := c.Request.ContentLength
		if requestBytes < 0 {
			requestBytes = 0
		}

		var key *apikeys.APIKey
		if plaintext := extractKey(c.Request); plaintext != "" {
			verified, err := i.config.Registry.Verify(c.Request.Context(), plaintext)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":  "authentication_failed",
					"reason": authReason(err),
				})
				i.observe(c, start, requestBytes, nil)
				return
			}
			if err := i.config.Registry.Authorize(verified, c.ClientIP(), c.Request.Header.Get("Origin")); err != nil {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":  "authorization_failed",
					"reason": err.Error(),
				})
				i.observe(c, start, requestBytes, nil)
				return
			}
			if deniedWrite(c.Request.Method, verified) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":  "authorization_failed",
					"reason": "key type does not permit this operation",
				})
				i.observe(c, start, requestBytes, verified)
				return
			}

			key = verified
			c.Set(string(ctxkeys.KeyTenantID), key.TenantID)
			c.Set(string(ctxkeys.KeyAPIKeyID), key.ID)
			c.Set(string(ctxkeys.KeyAPIKeyType), key.Type)
			c.Set(string(ctxkeys.KeyAuthType), "api_key")

			// Propagate the verified identity to non-gin code downstream
			ctx := context.WithValue(c.Request.Context(), ctxkeys.KeyTenantID, key.TenantID)
			ctx = context.WithValue(ctx, ctxkeys.KeyAPIKeyID, key.ID)
			c.Request = c.Request.WithContext(ctx)

			rlReq := ratelimit.Request{
				Tenant:   key.TenantID,
				UserID:   ctxString(c, ctxkeys.KeyUserID),
				KeyID:    key.ID,
				Category: Categorize(c.Request.URL.Path),
				KeyQuota: key.Quota,
			}
			decision := i.config.Limiter.Check(c.Request.Context(), rlReq)
			setRateLimitHeaders(c, decision)
			if !decision.Allowed {
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":   "rate_limited",
					"reason":  decision.Reason,
					"resetAt": decision.ResetAt.Unix(),
					"scope":   decision.Scope,
				})
				i.observe(c, start, requestBytes, key)
				return
			}
			i.config.Limiter.Record(c.Request.Context(), rlReq)
		}

		c.Next()

		i.observe(c, start, requestBytes, key)
	}
}

// observe captures the finished request and hands it to the aggregator on
// the background queue. It runs after the response is written and must
// never block or mutate the response.
func (i *Interceptor) observe(c *gin.Context, start time.Time, requestBytes int64, key *apikeys.APIKey) {
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	status := c.Writer.Status()
	responseBytes := int64(c.Writer.Size())
	if responseBytes < 0 {
		responseBytes = 0
	}

	tenantID := ctxString(c, ctxkeys.KeyTenantID)
	if tenantID == "" {
		tenantID = "anonymous"
	}

	normalized := NormalizePath(c.Request.URL.Path)
	obs := Observation{
		TenantID:       tenantID,
		Method:         c.Request.Method,
		Path:           normalized,
		Category:       Categorize(normalized),
		StatusCode:     status,
		ResponseTimeMs: elapsed,
		RequestBytes:   requestBytes,
		ResponseBytes:  responseBytes,
		UserID:         ctxString(c, ctxkeys.KeyUserID),
		UserRole:       ctxString(c, ctxkeys.KeyUserRole),
		Timestamp:      start.UTC(),
	}
	if key != nil {
		obs.KeyID = key.ID
	}

	clientIP := c.ClientIP()
	if i.config.Geo != nil {
		obs.Geo = i.config.Geo.Lookup(clientIP)
	}

	i.config.Aggregator.Submit(obs)

	if key != nil {
		// Fire-and-forget on a fresh context: the request context may
		// already be canceled by a client disconnect.
		keyID := key.ID
		go i.config.Registry.RecordUse(context.Background(), keyID, apikeys.UseRecord{
			At:       time.Now().UTC(),
			ClientIP: clientIP,
		})
	}
}

func setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	if d.MinuteLimit > 0 {
		c.Header("X-RateLimit-Limit-Minute", strconv.Itoa(d.MinuteLimit))
		c.Header("X-RateLimit-Remaining-Minute", strconv.Itoa(d.MinuteRemaining))
	}
	reset := d.MinuteResetAt
	if !d.Allowed {
		reset = d.ResetAt
	}
	if !reset.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}
}

// deniedWrite rejects mutating methods for read-only keys
func deniedWrite(method string, key *apikeys.APIKey) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return !key.CanWrite()
}

func authReason(err error) string {
	switch {
	case errors.Is(err, apikeys.ErrExpiredKey):
		return "api key expired"
	case errors.Is(err, apikeys.ErrRevokedKey):
		return "api key revoked"
	case errors.Is(err, apikeys.ErrInactiveKey):
		return "api key inactive"
	default:
		return "invalid api key"
	}
}

func ctxString(c *gin.Context, key ctxkeys.Key) string {
	if v, ok := c.Get(string(key)); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
