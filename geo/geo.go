// Package geo maps network addresses to coarse locations for audit record
// enrichment. Lookups are advisory: every implementation fails open, and
// the pipeline treats a failed or missing lookup as "no enrichment".
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Location is a coarse, best-effort placement of a network address.
type Location struct {
	Country     string `json:"country"`
	City        string `json:"city"`
	Geolocation string `json:"geolocation"`
}

// Unknown is the location reported for loopback and absent addresses.
var Unknown = Location{Country: "Unknown", City: "Unknown", Geolocation: "Unknown"}

// Resolver maps an IP address to a coarse location. A nil location with a
// nil error means the lookup mechanism itself is unavailable.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*Location, error)
}

// Noop is the resolver used when no lookup mechanism is configured.
type Noop struct{}

// Resolve always reports the lookup as unavailable.
func (Noop) Resolve(context.Context, string) (*Location, error) {
	return nil, nil
}

// HTTPResolver queries a JSON geolocation endpoint. The endpoint URL is a
// format string whose single %s verb receives the IP address.
type HTTPResolver struct {
	LookupURL string
	Timeout   time.Duration
	Client    *http.Client
}

// NewHTTPResolver creates a resolver for the given endpoint with a bounded
// per-lookup timeout.
func NewHTTPResolver(lookupURL string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPResolver{
		LookupURL: lookupURL,
		Timeout:   timeout,
		Client:    &http.Client{Timeout: timeout},
	}
}

// lookupResponse matches the common response shape of public IP geolocation
// services (country/city plus latitude/longitude).
type lookupResponse struct {
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Resolve performs a single bounded lookup. Loopback and absent addresses
// short-circuit to Unknown without a network round trip.
func (r *HTTPResolver) Resolve(ctx context.Context, ip string) (*Location, error) {
	if isLocal(ip) {
		loc := Unknown
		return &loc, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(r.LookupURL, ip), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build lookup request: %w", err)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geolocation lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geolocation lookup returned status %d", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode lookup response: %w", err)
	}

	loc := &Location{Country: body.Country, City: body.City}
	if loc.Country == "" {
		loc.Country = "Unknown"
	}
	if loc.City == "" {
		loc.City = "Unknown"
	}
	if body.Latitude != 0 || body.Longitude != 0 {
		loc.Geolocation = fmt.Sprintf("%.4f,%.4f", body.Latitude, body.Longitude)
	} else {
		loc.Geolocation = "Unknown"
	}

	return loc, nil
}

// isLocal reports whether the address is absent, unparseable, or loopback.
func isLocal(ip string) bool {
	if ip == "" {
		return true
	}
	parsed := net.ParseIP(ip)
	return parsed == nil || parsed.IsLoopback() || parsed.IsUnspecified()
}
