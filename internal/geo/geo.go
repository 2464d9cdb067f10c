// Package geo resolves client IP addresses to a coarse location
// (country and city) for the fraud engine's location-deviation rule.
package geo

import (
	"context"
	"net/netip"
	"strings"

	"github.com/mbd888/sentinel/internal/security"
)

// Location is a coarse, city-level position. The zero value is "unknown".
type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

// Known reports whether the location carries at least a country.
func (l Location) Known() bool {
	return l.Country != ""
}

// Equal compares locations case-insensitively.
func (l Location) Equal(o Location) bool {
	return strings.EqualFold(l.Country, o.Country) && strings.EqualFold(l.City, o.City)
}

// Resolver maps an IP address to a Location. Addresses it cannot place
// resolve to the zero Location without error; errors mean the lookup
// itself failed.
type Resolver interface {
	ResolveLocation(ctx context.Context, ip string) (Location, error)
}

// NopResolver places nothing. With it the location rule never fires.
type NopResolver struct{}

func (NopResolver) ResolveLocation(context.Context, string) (Location, error) {
	return Location{}, nil
}

// StaticResolver resolves from a fixed table. Used in tests and local
// development.
type StaticResolver map[string]Location

func (r StaticResolver) ResolveLocation(_ context.Context, ip string) (Location, error) {
	return r[strings.TrimSpace(ip)], nil
}

// isPublic reports whether ip is a routable public address worth looking up.
func isPublic(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	return security.IsPublicAddr(addr)
}
