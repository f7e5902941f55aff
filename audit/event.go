// Package audit implements the resilient authentication-audit pipeline:
// durable offline queueing, best-effort enrichment, at-least-once delivery
// to a remote record store, and the failed-attempt lockout policy.
package audit

import (
	"time"
)

// Action identifies the authentication event being audited.
type Action string

// Auditable authentication actions.
const (
	ActionSignInAttempt   Action = "sign_in_attempt"
	ActionOTPVerification Action = "otp_verification"
	ActionSignInSuccess   Action = "sign_in_success"
	ActionSignOut         Action = "sign_out"
	ActionAccountLocked   Action = "account_locked"
	ActionPasswordReset   Action = "password_reset"
)

// Event is a single audit record. Events are immutable once they leave the
// pipeline: every delivered or queued event carries a device fingerprint
// and timestamp, while the remaining enrichment fields are best effort.
//
// The JSON shape is the typed contract of the remote record store; store
// implementations persist exactly these fields.
type Event struct {
	Identity  string    `json:"identity"`
	Action    Action    `json:"action"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	UserAgent string    `json:"user_agent,omitempty"`

	// Enrichment, best effort.
	Browser          string   `json:"browser,omitempty"`
	OS               string   `json:"os,omitempty"`
	Country          string   `json:"country,omitempty"`
	City             string   `json:"city,omitempty"`
	Geolocation      string   `json:"geolocation,omitempty"`
	ConnectionType   string   `json:"connection_type,omitempty"`
	ScreenResolution string   `json:"screen_resolution,omitempty"`
	Timezone         string   `json:"timezone,omitempty"`
	Language         string   `json:"language,omitempty"`
	IsMobile         bool     `json:"is_mobile,omitempty"`
	BatteryLevel     *float64 `json:"battery_level,omitempty"`

	DeviceFingerprint string `json:"device_fingerprint"`
	SessionID         string `json:"session_id,omitempty"`

	ErrorMessage        string `json:"error_message,omitempty"`
	FailedAttemptsCount int    `json:"failed_attempts_count,omitempty"`
}

// Input is the caller-supplied portion of an audit event. Everything else
// is filled in by the pipeline.
type Input struct {
	Identity            string
	Action              Action
	Success             bool
	Timestamp           time.Time // zero value: assigned at construction
	UserAgent           string
	IPAddress           string // used for geolocation only, never persisted raw
	ErrorMessage        string
	FailedAttemptsCount int
}

// newEvent constructs the base event from caller input, assigning the
// timestamp when the caller left it unset.
func newEvent(in Input) Event {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Event{
		Identity:            in.Identity,
		Action:              in.Action,
		Success:             in.Success,
		Timestamp:           ts,
		UserAgent:           in.UserAgent,
		ErrorMessage:        in.ErrorMessage,
		FailedAttemptsCount: in.FailedAttemptsCount,
	}
}
