package audit

import (
	"context"
	"time"

	"aegis.evalgo.org/common"
)

// Decision is the lockout policy's answer for one identity. It is derived
// from recent remote history and never stored.
type Decision struct {
	ShouldLock bool `json:"should_lock"`
	Count      int  `json:"count"`
}

// Lockout decides whether an identity should be treated as locked out,
// based on the count of failed audit events inside a trailing window.
//
// The policy is advisory and fails open: while offline, and on any query
// error, it reports no lockout rather than deciding on stale or absent
// data.
type Lockout struct {
	store     EventStore
	monitor   Monitor
	window    time.Duration
	threshold int
}

// NewLockout creates a lockout policy. Non-positive window or threshold
// fall back to the standard 30 minutes / 5 attempts.
func NewLockout(store EventStore, monitor Monitor, window time.Duration, threshold int) *Lockout {
	if window <= 0 {
		window = 30 * time.Minute
	}
	if threshold <= 0 {
		threshold = 5
	}
	return &Lockout{store: store, monitor: monitor, window: window, threshold: threshold}
}

// CheckFailedAttempts counts failed events for identity inside the
// trailing window and reports whether the threshold is reached. Offline
// and on query errors it reports {false, 0}.
func (l *Lockout) CheckFailedAttempts(ctx context.Context, identity string) Decision {
	if !l.monitor.Online() {
		return Decision{}
	}

	failed := false
	events, err := l.store.SelectEvents(ctx, Filter{
		Identity: identity,
		Success:  &failed,
		Since:    time.Now().UTC().Add(-l.window),
	})
	if err != nil {
		common.Logger.WithError(err).WithField("identity", identity).Warn("lockout check failed, failing open")
		return Decision{}
	}

	return Decision{
		ShouldLock: len(events) >= l.threshold,
		Count:      len(events),
	}
}
