package tracking

import "testing"

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"object id", "/api/v1/rooms/507f1f77bcf86cd799439011", "/api/v1/rooms/:id"},
		{"numeric id", "/api/v1/bookings/12345", "/api/v1/bookings/:id"},
		{"uuid", "/api/v1/guests/550e8400-e29b-41d4-a716-446655440000", "/api/v1/guests/:id"},
		{"query stripped", "/api/v1/rooms?floor=2&type=deluxe", "/api/v1/rooms"},
		{"mixed", "/api/v1/rooms/507f1f77bcf86cd799439011/bookings/99?x=1", "/api/v1/rooms/:id/bookings/:id"},
		{"no ids", "/api/v1/housekeeping/schedule", "/api/v1/housekeeping/schedule"},
		{"short hex untouched", "/api/v1/rooms/deadbeef", "/api/v1/rooms/deadbeef"},
		{"empty", "", "/"},
		{"root", "/", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizePath(tt.in); got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizePathIdempotent(t *testing.T) {
	paths := []string{
		"/api/v1/rooms/507f1f77bcf86cd799439011",
		"/api/v1/bookings/42/items/7",
		"/api/v1/rooms/:id",
		"/health",
	}
	for _, p := range paths {
		once := NormalizePath(p)
		if twice := NormalizePath(once); twice != once {
			t.Errorf("normalize not idempotent: %q -> %q -> %q", p, once, twice)
		}
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/bookings/:id", "booking"},
		{"/api/v1/reservations", "booking"},
		{"/api/v1/rooms/:id/status", "room"},
		{"/api/v1/guests/:id", "guest"},
		{"/api/v1/payments/charge", "payment"},
		{"/api/v1/invoices/:id", "payment"},
		{"/api/v1/housekeeping/tasks", "housekeeping"},
		{"/api/v1/pos/orders", "pos"},
		{"/api/v1/vendors", "vendor"},
		{"/api/v1/webhooks", "webhook"},
		{"/api/v1/api-keys", "api-management"},
		{"/api/v1/something-else", "other"},
	}
	for _, tt := range tests {
		if got := Categorize(tt.path); got != tt.want {
			t.Errorf("Categorize(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
