// Package probe collects ambient environment signals and derives the stable
// device fingerprint and per-session identifier attached to audit records.
//
// The fingerprint is a correlation aid, not a security boundary: it is a
// non-cryptographic rolling hash over environment signals and stays stable
// as long as the environment does.
package probe

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Signals is the set of ambient environment readings used for enrichment
// and fingerprint derivation. All fields are best effort; absent readings
// keep their zero value.
type Signals struct {
	ScreenWidth  int      `json:"screen_width"`
	ScreenHeight int      `json:"screen_height"`
	ColorDepth   int      `json:"color_depth"`
	Timezone     string   `json:"timezone"`
	Language     string   `json:"language"`
	Platform     string   `json:"platform"`
	Renderers    []string `json:"renderers,omitempty"`

	ConnectionType string `json:"connection_type,omitempty"`
	EffectiveType  string `json:"effective_type,omitempty"`

	Mobile       bool     `json:"mobile"`
	BatteryLevel *float64 `json:"battery_level,omitempty"`

	UserAgent string `json:"user_agent,omitempty"`
}

// ScreenResolution renders the screen geometry as "WxH", or "Unknown" when
// no geometry was observed.
func (s Signals) ScreenResolution() string {
	if s.ScreenWidth == 0 && s.ScreenHeight == 0 {
		return "Unknown"
	}
	return fmt.Sprintf("%dx%d", s.ScreenWidth, s.ScreenHeight)
}

// Collector produces environment signals. Implementations are total: they
// never fail and degrade to placeholder values instead.
type Collector interface {
	Collect() Signals
}

// HostCollector reads what the host process can observe directly (timezone,
// language, platform). Display-level readings are unavailable to a headless
// process and stay at their zero values; embedding applications that do have
// a display should use StaticCollector with their own readings instead.
type HostCollector struct{}

// Collect reads the ambient host signals.
func (HostCollector) Collect() Signals {
	zone, _ := time.Now().Zone()

	lang := os.Getenv("LANG")
	if i := strings.IndexAny(lang, ".@"); i >= 0 {
		lang = lang[:i]
	}
	if lang == "" {
		lang = "Unknown"
	}

	return Signals{
		Timezone: zone,
		Language: lang,
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// StaticCollector returns a fixed set of signals supplied by the embedding
// application.
type StaticCollector struct {
	Signals Signals
}

// Collect returns the configured signals.
func (c StaticCollector) Collect() Signals { return c.Signals }

// Fingerprint derives the stable device fingerprint from the collected
// signals and the raw user agent. The same inputs always produce the same
// fingerprint; any differing signal produces a different one.
func Fingerprint(s Signals) string {
	parts := []string{
		s.ScreenResolution(),
		strconv.Itoa(s.ColorDepth),
		s.Timezone,
		s.Language,
		s.Platform,
		strings.Join(s.Renderers, ","),
		RasterSignature(s.Platform, s.Renderers),
		s.UserAgent,
	}
	return fmt.Sprintf("%08x", rollingHash(strings.Join(parts, "|")))
}

// rollingHash is the classic h = h*31 + c string hash, kept for fingerprint
// stability across releases.
func rollingHash(s string) uint32 {
	var h int32
	for _, c := range s {
		h = h<<5 - h + c
	}
	return uint32(h)
}

// BrowserOS extracts browser and operating system names from a user agent
// string by ordered substring matching. The first matching token wins;
// unmatched agents report "Unknown".
func BrowserOS(userAgent string) (browser, os string) {
	browser, os = "Unknown", "Unknown"

	// Order matters: Edge and Opera agents also contain "Chrome", and
	// Chrome agents contain "Safari".
	browserTokens := []struct{ token, name string }{
		{"Edg", "Edge"},
		{"OPR", "Opera"},
		{"Opera", "Opera"},
		{"Chrome", "Chrome"},
		{"Firefox", "Firefox"},
		{"Safari", "Safari"},
		{"MSIE", "Internet Explorer"},
		{"Trident", "Internet Explorer"},
	}
	for _, t := range browserTokens {
		if strings.Contains(userAgent, t.token) {
			browser = t.name
			break
		}
	}

	// iOS agents contain "like Mac OS X", Android agents contain "Linux".
	osTokens := []struct{ token, name string }{
		{"Windows", "Windows"},
		{"iPhone", "iOS"},
		{"iPad", "iOS"},
		{"Android", "Android"},
		{"Mac OS X", "macOS"},
		{"Macintosh", "macOS"},
		{"CrOS", "ChromeOS"},
		{"Linux", "Linux"},
	}
	for _, t := range osTokens {
		if strings.Contains(userAgent, t.token) {
			os = t.name
			break
		}
	}

	return browser, os
}

// IsMobile classifies a user agent as mobile or desktop.
func IsMobile(userAgent string) bool {
	for _, token := range []string{"Mobi", "Android", "iPhone", "iPad", "IEMobile"} {
		if strings.Contains(userAgent, token) {
			return true
		}
	}
	return false
}
