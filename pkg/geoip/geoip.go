// Package geoip provides MMDB-based IP geolocation for request observations.
//
// The reader degrades gracefully: a missing database path yields a nil
// reader, and all lookups on a nil reader return nil.
package geoip

import (
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// GeoData contains geolocation information for an IP address
type GeoData struct {
	CountryCode string `json:"country_code,omitempty"`
	City        string `json:"city,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// Reader provides IP geolocation lookups using MMDB databases
type Reader struct {
	db *geoip2.Reader
}

// NewReader creates a new GeoIP reader from an MMDB file.
//
// Returns nil, nil if the file doesn't exist (graceful degradation).
func NewReader(mmdbPath string) (*Reader, error) {
	if mmdbPath == "" {
		return nil, nil
	}

	db, err := geoip2.Open(mmdbPath)
	if err != nil {
		if strings.Contains(err.Error(), "no such file") || strings.Contains(err.Error(), "cannot find") {
			return nil, nil
		}
		return nil, err
	}

	return &Reader{db: db}, nil
}

// Lookup performs a geolocation lookup for the given IP address.
//
// Returns nil if no database is loaded, the IP is invalid, or the IP is
// not found in the database.
func (r *Reader) Lookup(ipStr string) *GeoData {
	if r == nil || r.db == nil {
		return nil
	}

	// Handle "ip:port" format by extracting just the IP
	host, _, err := net.SplitHostPort(ipStr)
	if err != nil {
		host = ipStr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}

	record, err := r.db.City(ip)
	if err != nil {
		return nil
	}

	gd := &GeoData{
		CountryCode: record.Country.IsoCode,
		Timezone:    record.Location.TimeZone,
	}
	if name, ok := record.City.Names["en"]; ok {
		gd.City = name
	}
	if gd.CountryCode == "" && gd.City == "" {
		return nil
	}
	return gd
}

// Close releases the underlying MMDB handle.
func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
