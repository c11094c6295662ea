package tracking

import (
	"regexp"
	"strings"
)

var (
	hexIDSegment   = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// NormalizePath collapses high-cardinality URL paths into stable endpoint
// identifiers: ID-like segments (24-hex object IDs, UUIDs, pure numbers)
// become ":id" and the query string is dropped. Normalization is
// idempotent, so already-normalized paths pass through unchanged.
func NormalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" || seg == ":id" {
			continue
		}
		if hexIDSegment.MatchString(seg) || numericSegment.MatchString(seg) || uuidSegment.MatchString(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// categoryKeywords maps path keywords to endpoint categories, checked in
// order so the more specific keyword wins.
var categoryKeywords = []struct {
	keyword  string
	category string
}{
	{"booking", "booking"},
	{"reservation", "booking"},
	{"room", "room"},
	{"housekeeping", "housekeeping"},
	{"guest", "guest"},
	{"payment", "payment"},
	{"billing", "payment"},
	{"invoice", "payment"},
	{"pos", "pos"},
	{"vendor", "vendor"},
	{"notification", "notification"},
	{"webhook", "webhook"},
	{"api-key", "api-management"},
	{"api-management", "api-management"},
	{"meet-up", "meetup"},
	{"report", "reporting"},
	{"analytics", "reporting"},
}

// Categorize assigns an endpoint category from path keywords, defaulting
// to "other".
func Categorize(path string) string {
	lower := strings.ToLower(path)
	for _, kc := range categoryKeywords {
		if strings.Contains(lower, kc.keyword) {
			return kc.category
		}
	}
	return "other"
}
