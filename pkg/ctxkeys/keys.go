// Package ctxkeys defines typed context keys to avoid SA1029 lint warnings
// and prevent key collisions across packages.
package ctxkeys

import "context"

// Key is a typed context key to prevent collisions.
type Key string

// Auth context keys
const (
	KeyTenantID   Key = "tenant_id"
	KeyUserID     Key = "user_id"
	KeyUserRole   Key = "user_role"
	KeyAPIKeyID   Key = "api_key_id"
	KeyAPIKeyType Key = "api_key_type"
	KeyAuthType   Key = "auth_type"
)

// Request context keys
const (
	KeyRequestID    Key = "request_id"
	KeyClientIP     Key = "client_ip"
	KeyRequestStart Key = "request_start"
)

// GetTenantID extracts tenant_id from context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyTenantID).(string); ok {
		return v
	}
	return ""
}

// GetAPIKeyID extracts the verified API key ID from context.
func GetAPIKeyID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyAPIKeyID).(string); ok {
		return v
	}
	return ""
}
