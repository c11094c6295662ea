// Package apikeys implements issuance, verification and usage accounting
// for tenant-scoped API keys. Plaintext keys are shown once at issue time;
// only a peppered HMAC-SHA256 hash is stored, so lookups hash the
// presented key and compare in constant time.
package apikeys

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imrejaul007/pentouz-pms-sub017/internal/ratelimit"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/cache"
)

// Key types map to permission tiers
const (
	TypeRead  = "rk" // read-only
	TypeWrite = "wk" // read + write
	TypeAdmin = "ak" // full access
)

// Environments
const (
	EnvLive = "live"
	EnvTest = "test"
)

// Key states
const (
	StateActive   = "active"
	StateInactive = "inactive"
	StateExpired  = "expired"
	StateRevoked  = "revoked"
)

var (
	ErrInvalidKey       = errors.New("invalid api key")
	ErrExpiredKey       = errors.New("api key expired")
	ErrInactiveKey      = errors.New("api key inactive")
	ErrRevokedKey       = errors.New("api key revoked")
	ErrIPNotAllowed     = errors.New("client ip not in key allowlist")
	ErrDomainNotAllowed = errors.New("origin domain not in key allowlist")
)

// keyPattern is the wire format of a plaintext key
var keyPattern = regexp.MustCompile(`^(ak|wk|rk)_(live|test)_[0-9a-f]{64}$`)

// APIKey is the stored key record. The plaintext never appears here.
type APIKey struct {
	ID             string           `bson:"_id"`
	TenantID       string           `bson:"tenant_id"`
	Name           string           `bson:"name"`
	Type           string           `bson:"type"`
	Environment    string           `bson:"environment"`
	Prefix         string           `bson:"prefix"` // first 12 chars shown in listings
	LookupHash     string           `bson:"lookup_hash"`
	State          string           `bson:"state"`
	Quota          *ratelimit.Quota `bson:"quota,omitempty"`
	AllowedIPs     []string         `bson:"allowed_ips,omitempty"`
	AllowedDomains []string         `bson:"allowed_domains,omitempty"`
	CreatedBy      string           `bson:"created_by"`
	CreatedAt      time.Time        `bson:"created_at"`
	ExpiresAt      *time.Time       `bson:"expires_at,omitempty"`
	LastUsedAt     *time.Time       `bson:"last_used_at,omitempty"`
	LastUsedIP     string           `bson:"last_used_ip,omitempty"`
	TotalRequests  int64            `bson:"total_requests"`
}

// CanWrite reports whether the key's tier permits mutating requests
func (k *APIKey) CanWrite() bool {
	return k.Type == TypeWrite || k.Type == TypeAdmin
}

// CanAdmin reports whether the key's tier permits admin endpoints
func (k *APIKey) CanAdmin() bool {
	return k.Type == TypeAdmin
}

// UseRecord carries the last-seen fields updated on each authenticated request
type UseRecord struct {
	At       time.Time
	ClientIP string
}

// Store is the persistence interface behind the registry
type Store interface {
	Insert(ctx context.Context, key *APIKey) error
	FindByLookupHash(ctx context.Context, hash string) (*APIKey, error)
	FindByID(ctx context.Context, tenantID, id string) (*APIKey, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*APIKey, error)
	UpdateState(ctx context.Context, tenantID, id, state string) error
	RecordUse(ctx context.Context, id string, rec UseRecord) error
}

// IssueParams describes a key to create
type IssueParams struct {
	TenantID       string
	Name           string
	Type           string
	Environment    string
	Quota          *ratelimit.Quota
	AllowedIPs     []string
	AllowedDomains []string
	ExpiresAt      *time.Time
	CreatedBy      string
}

// Registry issues and verifies API keys
type Registry struct {
	store  Store
	pepper []byte
	logger *logrus.Logger
	cache  *cache.Cache
	now    func() time.Time
}

// NewRegistry creates a key registry. pepper is the service-wide HMAC
// secret for lookup hashes; an empty pepper generates an ephemeral one,
// which invalidates all stored keys on restart and is only suitable for
// tests.
func NewRegistry(store Store, pepper string, logger *logrus.Logger) *Registry {
	secret := []byte(pepper)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
	}
	return &Registry{
		store:  store,
		pepper: secret,
		logger: logger,
		cache: cache.New(cache.Options{
			TTL:                  30 * time.Second,
			StaleWhileRevalidate: 30 * time.Second,
			NegativeTTL:          5 * time.Second,
			MaxEntries:           10000,
		}, cache.MetricsHooks{}),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// lookupHash computes the peppered HMAC used to locate a key record
func (r *Registry) lookupHash(plaintext string) string {
	mac := hmac.New(sha256.New, r.pepper)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue creates a key and returns the record plus the plaintext, which is
// shown to the caller exactly once.
func (r *Registry) Issue(ctx context.Context, p IssueParams) (*APIKey, string, error) {
	switch p.Type {
	case TypeRead, TypeWrite, TypeAdmin:
	default:
		return nil, "", fmt.Errorf("unknown key type %q", p.Type)
	}
	switch p.Environment {
	case EnvLive, EnvTest:
	default:
		return nil, "", fmt.Errorf("unknown environment %q", p.Environment)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("failed to generate key material: %w", err)
	}
	plaintext := fmt.Sprintf("%s_%s_%s", p.Type, p.Environment, hex.EncodeToString(raw))

	key := &APIKey{
		ID:             uuid.New().String(),
		TenantID:       p.TenantID,
		Name:           p.Name,
		Type:           p.Type,
		Environment:    p.Environment,
		Prefix:         plaintext[:12],
		LookupHash:     r.lookupHash(plaintext),
		State:          StateActive,
		Quota:          p.Quota,
		AllowedIPs:     p.AllowedIPs,
		AllowedDomains: p.AllowedDomains,
		CreatedBy:      p.CreatedBy,
		CreatedAt:      r.now(),
		ExpiresAt:      p.ExpiresAt,
	}

	if err := r.store.Insert(ctx, key); err != nil {
		return nil, "", fmt.Errorf("failed to store api key: %w", err)
	}
	return key, plaintext, nil
}

// Verify resolves a plaintext key to its record. It rejects malformed,
// unknown, expired, inactive and revoked keys. The lookup is a constant
// hash computation plus an hmac.Equal compare against the stored hash, so
// timing does not depend on which byte of the key differs.
func (r *Registry) Verify(ctx context.Context, plaintext string) (*APIKey, error) {
	if !keyPattern.MatchString(plaintext) {
		return nil, ErrInvalidKey
	}

	hash := r.lookupHash(plaintext)

	loaded, ok, err := r.cache.Get(ctx, hash, func(ctx context.Context, h string) (interface{}, bool, error) {
		key, err := r.store.FindByLookupHash(ctx, h)
		if err != nil {
			return nil, false, err
		}
		if key == nil {
			return nil, false, ErrInvalidKey
		}
		return key, true, nil
	})
	if err != nil || !ok {
		return nil, ErrInvalidKey
	}
	key := loaded.(*APIKey)

	if !hmac.Equal([]byte(key.LookupHash), []byte(hash)) {
		return nil, ErrInvalidKey
	}

	switch key.State {
	case StateActive:
	case StateRevoked:
		return nil, ErrRevokedKey
	default:
		return nil, ErrInactiveKey
	}
	if key.ExpiresAt != nil && r.now().After(*key.ExpiresAt) {
		return nil, ErrExpiredKey
	}

	return key, nil
}

// Authorize enforces the key's IP and domain allowlists
func (r *Registry) Authorize(key *APIKey, clientIP, origin string) error {
	if len(key.AllowedIPs) > 0 && !ipAllowed(clientIP, key.AllowedIPs) {
		return ErrIPNotAllowed
	}
	if len(key.AllowedDomains) > 0 && !domainAllowed(origin, key.AllowedDomains) {
		return ErrDomainNotAllowed
	}
	return nil
}

// RecordUse updates the key's last-seen fields and usage total. It is
// called off the request path and swallows errors after logging them.
func (r *Registry) RecordUse(ctx context.Context, keyID string, rec UseRecord) {
	if err := r.store.RecordUse(ctx, keyID, rec); err != nil && r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"key_id": keyID,
			"error":  err,
		}).Warn("Failed to record api key use")
	}
}

// List returns all keys for a tenant, hashes included but never plaintext
func (r *Registry) List(ctx context.Context, tenantID string) ([]*APIKey, error) {
	return r.store.ListByTenant(ctx, tenantID)
}

// Get returns one key by ID within a tenant
func (r *Registry) Get(ctx context.Context, tenantID, id string) (*APIKey, error) {
	return r.store.FindByID(ctx, tenantID, id)
}

// Revoke permanently disables a key. Revocation is terminal.
func (r *Registry) Revoke(ctx context.Context, tenantID, id string) error {
	key, err := r.store.FindByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if key == nil {
		return ErrInvalidKey
	}
	if err := r.store.UpdateState(ctx, tenantID, id, StateRevoked); err != nil {
		return err
	}
	r.cache.Delete(key.LookupHash)
	return nil
}

// SetActive toggles a key between active and inactive. Revoked keys
// cannot be reactivated.
func (r *Registry) SetActive(ctx context.Context, tenantID, id string, active bool) error {
	key, err := r.store.FindByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if key == nil {
		return ErrInvalidKey
	}
	if key.State == StateRevoked {
		return ErrRevokedKey
	}
	state := StateInactive
	if active {
		state = StateActive
	}
	if err := r.store.UpdateState(ctx, tenantID, id, state); err != nil {
		return err
	}
	r.cache.Delete(key.LookupHash)
	return nil
}

func ipAllowed(clientIP string, allowed []string) bool {
	ip := net.ParseIP(clientIP)
	for _, a := range allowed {
		if a == clientIP {
			return true
		}
		if ip == nil {
			continue
		}
		if _, cidr, err := net.ParseCIDR(a); err == nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func domainAllowed(origin string, allowed []string) bool {
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, "/")
	for _, a := range allowed {
		if strings.EqualFold(host, a) {
			return true
		}
		if strings.HasPrefix(a, "*.") && strings.HasSuffix(strings.ToLower(host), strings.ToLower(a[1:])) {
			return true
		}
	}
	return false
}
