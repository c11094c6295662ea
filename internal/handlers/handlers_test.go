package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrejaul007/pentouz-pms-sub017/internal/apikeys"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/counters"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/metricstore"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/ratelimit"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/timewin"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/webhooks"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/ctxkeys"
)

// memKeyStore is an in-memory apikeys.Store
type memKeyStore struct {
	mu   sync.Mutex
	keys map[string]*apikeys.APIKey
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{keys: make(map[string]*apikeys.APIKey)}
}

func (s *memKeyStore) Insert(_ context.Context, key *apikeys.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *memKeyStore) FindByLookupHash(_ context.Context, hash string) (*apikeys.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.LookupHash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memKeyStore) FindByID(_ context.Context, tenantID, id string) (*apikeys.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok && k.TenantID == tenantID {
		cp := *k
		return &cp, nil
	}
	return nil, nil
}

func (s *memKeyStore) ListByTenant(_ context.Context, tenantID string) ([]*apikeys.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*apikeys.APIKey
	for _, k := range s.keys {
		if k.TenantID == tenantID {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memKeyStore) UpdateState(_ context.Context, tenantID, id, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok && k.TenantID == tenantID {
		k.State = state
	}
	return nil
}

func (s *memKeyStore) RecordUse(_ context.Context, id string, rec apikeys.UseRecord) error {
	return nil
}

// capturingMetrics records the arguments of dashboard queries
type capturingMetrics struct {
	mu        sync.Mutex
	tenantID  string
	start     time.Time
	end       time.Time
	limit     int
	dashboard metricstore.Dashboard
	endpoints []metricstore.EndpointStat
}

func (m *capturingMetrics) Dashboard(_ context.Context, tenantID string, start, end time.Time) (metricstore.Dashboard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenantID, m.start, m.end = tenantID, start, end
	return m.dashboard, nil
}

func (m *capturingMetrics) TopEndpoints(_ context.Context, tenantID string, start, end time.Time, limit int) ([]metricstore.EndpointStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenantID, m.start, m.end, m.limit = tenantID, start, end, limit
	return m.endpoints, nil
}

// memEndpointStore is an in-memory WebhookStore
type memEndpointStore struct {
	mu         sync.Mutex
	endpoints  map[string]*webhooks.Endpoint
	deliveries []*webhooks.Delivery
}

func newMemEndpointStore() *memEndpointStore {
	return &memEndpointStore{endpoints: make(map[string]*webhooks.Endpoint)}
}

func (s *memEndpointStore) CreateEndpoint(_ context.Context, ep *webhooks.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *memEndpointStore) GetEndpoint(_ context.Context, tenantID, id string) (*webhooks.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep, ok := s.endpoints[id]; ok && ep.TenantID == tenantID {
		cp := *ep
		return &cp, nil
	}
	return nil, webhooks.ErrNotFound
}

func (s *memEndpointStore) ListEndpoints(_ context.Context, tenantID string) ([]*webhooks.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*webhooks.Endpoint
	for _, ep := range s.endpoints {
		if ep.TenantID == tenantID {
			cp := *ep
			cp.Secret = ""
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memEndpointStore) DeactivateEndpoint(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep, ok := s.endpoints[id]; ok && ep.TenantID == tenantID {
		ep.Active = false
		return nil
	}
	return webhooks.ErrNotFound
}

func (s *memEndpointStore) ListDeliveries(_ context.Context, tenantID string, limit int) ([]*webhooks.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*webhooks.Delivery
	for _, d := range s.deliveries {
		if d.TenantID == tenantID && len(out) < limit {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakePublisher records published events
type fakePublisher struct {
	mu       sync.Mutex
	tenantID string
	event    string
	count    int
}

func (p *fakePublisher) Publish(_ context.Context, tenantID, event string, _ interface{}) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tenantID, p.event = tenantID, event
	return p.count, nil
}

type harness struct {
	router    *gin.Engine
	registry  *apikeys.Registry
	keyStore  *memKeyStore
	metrics   *capturingMetrics
	endpoints *memEndpointStore
	publisher *fakePublisher
	clock     *timewin.FakeClock
}

// newHarness mounts the admin routes behind a stub auth middleware that
// injects the given tenant and key type, standing in for the interceptor.
func newHarness(t *testing.T, tenantID, keyType string) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	clock := &timewin.FakeClock{Current: time.Date(2030, 6, 1, 12, 0, 30, 0, time.UTC)}
	keyStore := newMemKeyStore()
	registry := apikeys.NewRegistry(keyStore, "pepper", logger)
	counterStore := counters.NewMemoryStoreWithNow(0, clock.Now)
	t.Cleanup(counterStore.Stop)
	limiter := ratelimit.NewLimiter(counterStore, clock, ratelimit.DefaultConfig(), logger,
		prometheus.NewCounter(prometheus.CounterOpts{Name: "test_handlers_fail_open_total"}))
	metrics := &capturingMetrics{}
	endpoints := newMemEndpointStore()
	publisher := &fakePublisher{count: 1}

	h := New(registry, limiter, metrics, endpoints, publisher, clock, logger)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if tenantID != "" {
			c.Set(string(ctxkeys.KeyTenantID), tenantID)
			ctx := context.WithValue(c.Request.Context(), ctxkeys.KeyTenantID, tenantID)
			ctx = context.WithValue(ctx, ctxkeys.KeyAPIKeyID, "key-under-test")
			c.Request = c.Request.WithContext(ctx)
		}
		if keyType != "" {
			c.Set(string(ctxkeys.KeyAPIKeyType), keyType)
		}
		c.Next()
	})
	h.RegisterRoutes(router)

	return &harness{
		router:    router,
		registry:  registry,
		keyStore:  keyStore,
		metrics:   metrics,
		endpoints: endpoints,
		publisher: publisher,
		clock:     clock,
	}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateAPIKeyReturnsPlaintextOnce(t *testing.T) {
	h := newHarness(t, "hotel-1", apikeys.TypeAdmin)

	w := h.do(t, http.MethodPost, "/api/v1/api-keys", gin.H{
		"name":        "reporting",
		"type":        "rk",
		"environment": "live",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	plaintext, _ := body["key"].(string)
	assert.Regexp(t, regexp.MustCompile(`^rk_live_[0-9a-f]{64}$`), plaintext)

	key := body["api_key"].(map[string]interface{})
	assert.Equal(t, plaintext[:12], key["prefix"])
	assert.Equal(t, "active", key["state"])

	// The listing never echoes the plaintext back
	w = h.do(t, http.MethodGet, "/api/v1/api-keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), plaintext)
	assert.NotContains(t, w.Body.String(), "lookup_hash")
}

func TestCreateAPIKeyWithQuota(t *testing.T) {
	h := newHarness(t, "hotel-1", apikeys.TypeAdmin)

	w := h.do(t, http.MethodPost, "/api/v1/api-keys", gin.H{
		"name":        "burst-limited",
		"type":        "wk",
		"environment": "live",
		"quota":       gin.H{"per_minute": 5, "per_hour": 100, "per_day": 1000},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	id := decode(t, w)["api_key"].(map[string]interface{})["id"].(string)
	stored, err := h.keyStore.FindByID(context.Background(), "hotel-1", id)
	require.NoError(t, err)
	require.NotNil(t, stored.Quota)
	assert.Equal(t, ratelimit.Quota{PerMinute: 5, PerHour: 100, PerDay: 1000}, *stored.Quota)
	assert.Equal(t, "key-under-test", stored.CreatedBy, "issuer key comes from the verified context")
}

func TestCreateAPIKeyValidation(t *testing.T) {
	h := newHarness(t, "hotel-1", apikeys.TypeAdmin)

	w := h.do(t, http.MethodPost, "/api/v1/api-keys", gin.H{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/api-keys", gin.H{
		"name": "x", "type": "superuser", "environment": "live",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKeyManagementRequiresAdminTier(t *testing.T) {
	h := newHarness(t, "hotel-1", apikeys.TypeRead)

	w := h.do(t, http.MethodPost, "/api/v1/api-keys", gin.H{
		"name": "x", "type": "rk", "environment": "live",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(t, http.MethodDelete, "/api/v1/api-keys/some-id", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	h := newHarness(t, "", "")

	w := h.do(t, http.MethodGet, "/api/v1/api-keys", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/api-management/metrics", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRevokeAPIKey(t *testing.T) {
	h := newHarness(t, "hotel-1", apikeys.TypeAdmin)

	key, _, err := h.registry.Issue(context.Background(), apikeys.IssueParams{
		TenantID: "hotel-1", Name: "to-revoke", Type: "wk", Environment: "live",
	})
	require.NoError(t, err)

	w := h.do(t, http.MethodDelete, "/api/v1/api-keys/"+key.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := h.keyStore.FindByID(context.Background(), "hotel-1", key.ID)
	require.NoError(t, err)
	assert.Equal(t, apikeys.StateRevoked, stored.State)
}

func TestRevokeUnknownKeyReturns404(t *testing.T) {
	h := newHarness(t, "hotel-1", apikeys.TypeAdmin)

	w := h.do(t, http.MethodDelete, "/api/v1/api-keys/no-such-key", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUsageMetricsScopedToContextTenant(t *testing.T) {
	h := newHarness(t, "hotel-1", apikeys.TypeRead)
	h.metrics.dashboard = metricstore.Dashboard{TotalRequests: 42}

	// A tenant query parameter must not override the verified identity
	w := h.do(t, http.MethodGet, "/api/v1/api-management/metrics?range=24h&tenant=hotel-2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "hotel-1", h.metrics.tenantID)
	body := decode(t, w)
	assert.Equal(t, float64(42), body["totalRequests"])
}

func TestMetricsRangeParsing(t *testing.T) {
	tests := []struct {
		query string
		span  time.Duration
	}{
		{"range=1h", time.Hour},
		{"range=24h", 24 * time.Hour},
		{"range=7d", 7 * 24 * time.Hour},
		{"range=30d", 30 * 24 * time.Hour},
		{"range=bogus", 24 * time.Hour},
		{"", 24 * time.Hour},
	}
	for _, tt := range tests {
		h := newHarness(t, "hotel-1", apikeys.TypeRead)
		w := h.do(t, http.MethodGet, "/api/v1/api-management/metrics?"+tt.query, nil)
		require.Equal(t, http.StatusOK, w.Code, tt.query)
		assert.Equal(t, h.clock.Now().UTC(), h.metrics.end, tt.query)
		assert.Equal(t, tt.span, h.metrics.end.Sub(h.metrics.start), tt.query)
	}
}

func TestTopEndpointsLimitParsing(t *testing.T) {
	h := newHarness(t, "hotel-1", apikeys.TypeRead)
	h.metrics.endpoints = []metricstore.EndpointStat{}

	w := h.do(t, http.MethodGet, "/api/v1/api-management/top-endpoints", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, h.metrics.limit)

	w = h.do(t, http.MethodGet, "/api/v1/api-management/top-endpoints?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, h.metrics.limit)

	w = h.do(t, http.MethodGet, "/api/v1/api-management/top-endpoints?limit=9999", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, h.metrics.limit, "out-of-range limit falls back to the default")
}

func TestCreateWebhookGeneratesSecret(t *testing.T) {
	h := newHarness(t, "hotel-1", apikeys.TypeAdmin)

	w := h.do(t, http.MethodPost, "/api/v1/webhooks", gin.H{
		"url":    "https://consumer.example.com/hooks",
		"events": []string{"booking.created", "rate.updated"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	secret, _ := body["secret"].(string)
	assert.Regexp(t, `^whsec_`, secret)

	// Listings never expose the secret
	w = h.do(t, http.MethodGet, "/api/v1/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), secret)
}

func TestDeleteWebhook(t *testing.T) {
	h := newHarness(t, "hotel-1", apikeys.TypeAdmin)

	w := h.do(t, http.MethodPost, "/api/v1/webhooks", gin.H{
		"url":    "https://consumer.example.com/hooks",
		"events": []string{"*"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["webhook"].(map[string]interface{})["id"].(string)

	w = h.do(t, http.MethodDelete, "/api/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, h.endpoints.endpoints[id].Active)

	w = h.do(t, http.MethodDelete, "/api/v1/webhooks/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTestWebhooksPublishesSyntheticEvent(t *testing.T) {
	h := newHarness(t, "hotel-1", apikeys.TypeAdmin)
	h.publisher.count = 2

	w := h.do(t, http.MethodPost, "/api/v1/webhooks/test", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Equal(t, "hotel-1", h.publisher.tenantID)
	assert.Equal(t, "webhook.test", h.publisher.event)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["deliveries"])
}

func TestListWebhookDeliveries(t *testing.T) {
	h := newHarness(t, "hotel-1", apikeys.TypeRead)
	now := time.Now().UTC()
	h.endpoints.deliveries = []*webhooks.Delivery{
		{ID: "d1", TenantID: "hotel-1", Event: "booking.created", Status: webhooks.StatusSucceeded, Attempts: 1, MaxAttempts: 3, CreatedAt: now},
		{ID: "d2", TenantID: "hotel-2", Event: "booking.created", Status: webhooks.StatusPending, CreatedAt: now},
	}

	w := h.do(t, http.MethodGet, "/api/v1/webhooks/deliveries", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	list := body["deliveries"].([]interface{})
	require.Len(t, list, 1, "other tenants' deliveries stay hidden")
	assert.Equal(t, "d1", list[0].(map[string]interface{})["id"])
}
