// Package handlers exposes the tenant-scoped admin surface: API key
// management, usage dashboards, and webhook endpoint registration. All
// routes sit behind the tracking interceptor, so the verified tenant is
// read from the request context.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imrejaul007/pentouz-pms-sub017/internal/apikeys"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/metricstore"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/ratelimit"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/timewin"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/webhooks"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/ctxkeys"
)

// MetricsReader is the dashboard query surface of the metric store
type MetricsReader interface {
	Dashboard(ctx context.Context, tenantID string, rangeStart, rangeEnd time.Time) (metricstore.Dashboard, error)
	TopEndpoints(ctx context.Context, tenantID string, rangeStart, rangeEnd time.Time, limit int) ([]metricstore.EndpointStat, error)
}

// WebhookStore is the endpoint/delivery surface used by the admin routes
type WebhookStore interface {
	CreateEndpoint(ctx context.Context, ep *webhooks.Endpoint) error
	GetEndpoint(ctx context.Context, tenantID, id string) (*webhooks.Endpoint, error)
	ListEndpoints(ctx context.Context, tenantID string) ([]*webhooks.Endpoint, error)
	DeactivateEndpoint(ctx context.Context, tenantID, id string) error
	ListDeliveries(ctx context.Context, tenantID string, limit int) ([]*webhooks.Delivery, error)
}

// Publisher fans events out to subscribed webhook endpoints
type Publisher interface {
	Publish(ctx context.Context, tenantID, event string, payload interface{}) (int, error)
}

// Handlers carries the admin surface dependencies
type Handlers struct {
	registry  *apikeys.Registry
	limiter   *ratelimit.Limiter
	metrics   MetricsReader
	webhooks  WebhookStore
	publisher Publisher
	logger    *logrus.Logger
	clock     timewin.Clock
}

func New(registry *apikeys.Registry, limiter *ratelimit.Limiter, metrics MetricsReader, webhookStore WebhookStore, publisher Publisher, clock timewin.Clock, logger *logrus.Logger) *Handlers {
	if clock == nil {
		clock = timewin.SystemClock{}
	}
	return &Handlers{
		registry:  registry,
		limiter:   limiter,
		metrics:   metrics,
		webhooks:  webhookStore,
		publisher: publisher,
		logger:    logger,
		clock:     clock,
	}
}

// RegisterRoutes mounts the admin surface under /api/v1
func (h *Handlers) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")

	keys := v1.Group("/api-keys")
	keys.POST("", h.CreateAPIKey)
	keys.GET("", h.ListAPIKeys)
	keys.DELETE("/:id", h.RevokeAPIKey)

	mgmt := v1.Group("/api-management")
	mgmt.GET("/metrics", h.GetUsageMetrics)
	mgmt.GET("/top-endpoints", h.GetTopEndpoints)

	wh := v1.Group("/webhooks")
	wh.POST("", h.CreateWebhook)
	wh.GET("", h.ListWebhooks)
	wh.DELETE("/:id", h.DeleteWebhook)
	wh.GET("/deliveries", h.ListWebhookDeliveries)
	wh.POST("/test", h.TestWebhooks)
}

// tenantFrom returns the verified tenant, or writes a 401 and returns ""
func tenantFrom(c *gin.Context) string {
	tenantID := ctxkeys.GetTenantID(c.Request.Context())
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Tenant context required"})
	}
	return tenantID
}

// requireAdmin enforces the admin key tier on management routes
func requireAdmin(c *gin.Context) bool {
	keyType := c.GetString(string(ctxkeys.KeyAPIKeyType))
	if keyType != apikeys.TypeAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "Admin API key required"})
		return false
	}
	return true
}

type quotaPayload struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

type createAPIKeyRequest struct {
	Name           string        `json:"name" binding:"required"`
	Type           string        `json:"type" binding:"required"`
	Environment    string        `json:"environment" binding:"required"`
	ExpiresInDays  int           `json:"expires_in_days"`
	Quota          *quotaPayload `json:"quota"`
	AllowedIPs     []string      `json:"allowed_ips"`
	AllowedDomains []string      `json:"allowed_domains"`
}

type apiKeyResponse struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	Environment    string     `json:"environment"`
	Prefix         string     `json:"prefix"`
	State          string     `json:"state"`
	AllowedIPs     []string   `json:"allowed_ips,omitempty"`
	AllowedDomains []string   `json:"allowed_domains,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	TotalRequests  int64      `json:"total_requests"`
}

func keyResponse(k *apikeys.APIKey) apiKeyResponse {
	return apiKeyResponse{
		ID:             k.ID,
		Name:           k.Name,
		Type:           k.Type,
		Environment:    k.Environment,
		Prefix:         k.Prefix,
		State:          k.State,
		AllowedIPs:     k.AllowedIPs,
		AllowedDomains: k.AllowedDomains,
		CreatedAt:      k.CreatedAt,
		ExpiresAt:      k.ExpiresAt,
		LastUsedAt:     k.LastUsedAt,
		TotalRequests:  k.TotalRequests,
	}
}

// CreateAPIKey issues a new key. The plaintext is returned exactly once.
func (h *Handlers) CreateAPIKey(c *gin.Context) {
	tenantID := tenantFrom(c)
	if tenantID == "" || !requireAdmin(c) {
		return
	}

	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	params := apikeys.IssueParams{
		TenantID:       tenantID,
		Name:           req.Name,
		Type:           req.Type,
		Environment:    req.Environment,
		AllowedIPs:     req.AllowedIPs,
		AllowedDomains: req.AllowedDomains,
		CreatedBy:      ctxkeys.GetAPIKeyID(c.Request.Context()),
	}
	if req.Quota != nil {
		params.Quota = &ratelimit.Quota{
			PerMinute: req.Quota.PerMinute,
			PerHour:   req.Quota.PerHour,
			PerDay:    req.Quota.PerDay,
		}
	}
	if req.ExpiresInDays > 0 {
		expires := h.clock.Now().UTC().AddDate(0, 0, req.ExpiresInDays)
		params.ExpiresAt = &expires
	}

	key, plaintext, err := h.registry.Issue(c.Request.Context(), params)
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to issue API key")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"api_key": keyResponse(key),
		"key":     plaintext,
	})
}

// ListAPIKeys returns the tenant's keys without secret material
func (h *Handlers) ListAPIKeys(c *gin.Context) {
	tenantID := tenantFrom(c)
	if tenantID == "" || !requireAdmin(c) {
		return
	}

	keys, err := h.registry.List(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to list API keys")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list API keys"})
		return
	}

	out := make([]apiKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyResponse(k))
	}
	c.JSON(http.StatusOK, gin.H{"api_keys": out})
}

// RevokeAPIKey revokes a key and clears its rate-limit counters
func (h *Handlers) RevokeAPIKey(c *gin.Context) {
	tenantID := tenantFrom(c)
	if tenantID == "" || !requireAdmin(c) {
		return
	}
	id := c.Param("id")

	if err := h.registry.Revoke(c.Request.Context(), tenantID, id); err != nil {
		if err == apikeys.ErrInvalidKey {
			c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
			return
		}
		h.logger.WithError(err).WithField("api_key_id", id).Error("Failed to revoke API key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke API key"})
		return
	}

	if err := h.limiter.InvalidateKey(c.Request.Context(), id); err != nil {
		h.logger.WithError(err).WithField("api_key_id", id).Warn("Failed to clear rate-limit counters")
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked", "id": id})
}

// rangeWindow maps the range query parameter to a start time. Unknown
// values fall back to 24h.
func (h *Handlers) rangeWindow(c *gin.Context) (time.Time, time.Time) {
	end := h.clock.Now().UTC()
	var span time.Duration
	switch c.DefaultQuery("range", "24h") {
	case "1h":
		span = time.Hour
	case "7d":
		span = 7 * 24 * time.Hour
	case "30d":
		span = 30 * 24 * time.Hour
	default:
		span = 24 * time.Hour
	}
	return end.Add(-span), end
}

// GetUsageMetrics returns the dashboard summary for the requested range
func (h *Handlers) GetUsageMetrics(c *gin.Context) {
	tenantID := tenantFrom(c)
	if tenantID == "" {
		return
	}

	start, end := h.rangeWindow(c)
	dashboard, err := h.metrics.Dashboard(c.Request.Context(), tenantID, start, end)
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to load usage metrics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load usage metrics"})
		return
	}

	c.JSON(http.StatusOK, dashboard)
}

// GetTopEndpoints returns the busiest endpoints for the requested range
func (h *Handlers) GetTopEndpoints(c *gin.Context) {
	tenantID := tenantFrom(c)
	if tenantID == "" {
		return
	}

	limit := 10
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	start, end := h.rangeWindow(c)
	endpoints, err := h.metrics.TopEndpoints(c.Request.Context(), tenantID, start, end, limit)
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to load top endpoints")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load top endpoints"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"endpoints": endpoints})
}

type createWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
	Secret string   `json:"secret"`
}

type webhookResponse struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Events       []string   `json:"events"`
	Active       bool       `json:"active"`
	FailureCount int64      `json:"failure_count"`
	LastStatus   int        `json:"last_status,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAttempt  *time.Time `json:"last_attempt_at,omitempty"`
}

func endpointResponse(ep *webhooks.Endpoint) webhookResponse {
	return webhookResponse{
		ID:           ep.ID,
		URL:          ep.URL,
		Events:       ep.Events,
		Active:       ep.Active,
		FailureCount: ep.FailureCount,
		LastStatus:   ep.LastStatus,
		LastError:    ep.LastError,
		CreatedAt:    ep.CreatedAt,
		LastAttempt:  ep.LastAttemptAt,
	}
}

// CreateWebhook registers a consumer endpoint. A signing secret is
// generated when the caller does not supply one, and is returned exactly
// once.
func (h *Handlers) CreateWebhook(c *gin.Context) {
	tenantID := tenantFrom(c)
	if tenantID == "" || !requireAdmin(c) {
		return
	}

	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	secret := req.Secret
	if secret == "" {
		secret = "whsec_" + uuid.New().String()
	}

	ep := &webhooks.Endpoint{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: h.clock.Now().UTC(),
	}
	if err := h.webhooks.CreateEndpoint(c.Request.Context(), ep); err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to create webhook endpoint")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create webhook"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": endpointResponse(ep),
		"secret":  secret,
	})
}

// ListWebhooks returns the tenant's endpoints without secrets
func (h *Handlers) ListWebhooks(c *gin.Context) {
	tenantID := tenantFrom(c)
	if tenantID == "" {
		return
	}

	endpoints, err := h.webhooks.ListEndpoints(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to list webhooks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list webhooks"})
		return
	}

	out := make([]webhookResponse, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, endpointResponse(ep))
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": out})
}

// DeleteWebhook deactivates an endpoint. Pending deliveries aimed at it
// are abandoned by the dispatcher on their next claim.
func (h *Handlers) DeleteWebhook(c *gin.Context) {
	tenantID := tenantFrom(c)
	if tenantID == "" || !requireAdmin(c) {
		return
	}
	id := c.Param("id")

	if err := h.webhooks.DeactivateEndpoint(c.Request.Context(), tenantID, id); err != nil {
		if err == webhooks.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Webhook not found"})
			return
		}
		h.logger.WithError(err).WithField("webhook_id", id).Error("Failed to delete webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete webhook"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
}

// TestWebhooks publishes a synthetic event so consumers can verify their
// signature handling end to end
func (h *Handlers) TestWebhooks(c *gin.Context) {
	tenantID := tenantFrom(c)
	if tenantID == "" || !requireAdmin(c) {
		return
	}

	n, err := h.publisher.Publish(c.Request.Context(), tenantID, "webhook.test", gin.H{
		"message": "test delivery",
		"sent_at": h.clock.Now().UTC(),
	})
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to publish test event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to publish test event"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"event": "webhook.test", "deliveries": n})
}

type deliveryResponse struct {
	ID            string     `json:"id"`
	EndpointID    string     `json:"endpoint_id"`
	Event         string     `json:"event"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	LastStatus    int        `json:"last_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ListWebhookDeliveries returns recent deliveries for the tenant
func (h *Handlers) ListWebhookDeliveries(c *gin.Context) {
	tenantID := tenantFrom(c)
	if tenantID == "" {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	deliveries, err := h.webhooks.ListDeliveries(c.Request.Context(), tenantID, limit)
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to list webhook deliveries")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list deliveries"})
		return
	}

	out := make([]deliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, deliveryResponse{
			ID:            d.ID,
			EndpointID:    d.EndpointID,
			Event:         d.Event,
			Status:        d.Status,
			Attempts:      d.Attempts,
			MaxAttempts:   d.MaxAttempts,
			LastStatus:    d.LastStatus,
			LastError:     d.LastError,
			NextAttemptAt: d.NextAttemptAt,
			CreatedAt:     d.CreatedAt,
			CompletedAt:   d.CompletedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": out})
}
