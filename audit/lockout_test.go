package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis.evalgo.org/audit"
	"aegis.evalgo.org/store"
)

func insertFailures(t *testing.T, st *store.Memory, identity string, count int, ts time.Time) {
	t.Helper()
	for i := 0; i < count; i++ {
		require.NoError(t, st.InsertEvents(context.Background(), []audit.Event{{
			Identity:  identity,
			Action:    audit.ActionSignInAttempt,
			Success:   false,
			Timestamp: ts.Add(time.Duration(i) * time.Second),
		}}))
	}
}

func TestCheckFailedAttempts(t *testing.T) {
	const identity = "user@example.com"

	t.Run("below threshold", func(t *testing.T) {
		st := store.NewMemory()
		insertFailures(t, st, identity, 4, time.Now().UTC().Add(-time.Minute))

		l := audit.NewLockout(st, audit.NewManualMonitor(true), 30*time.Minute, 5)
		decision := l.CheckFailedAttempts(context.Background(), identity)
		assert.False(t, decision.ShouldLock)
		assert.Equal(t, 4, decision.Count)
	})

	t.Run("locks at exactly the threshold", func(t *testing.T) {
		st := store.NewMemory()
		insertFailures(t, st, identity, 5, time.Now().UTC().Add(-time.Minute))

		l := audit.NewLockout(st, audit.NewManualMonitor(true), 30*time.Minute, 5)
		decision := l.CheckFailedAttempts(context.Background(), identity)
		assert.True(t, decision.ShouldLock)
		assert.Equal(t, 5, decision.Count)
	})

	t.Run("failures outside the window do not count", func(t *testing.T) {
		st := store.NewMemory()
		insertFailures(t, st, identity, 5, time.Now().UTC().Add(-2*time.Hour))
		insertFailures(t, st, identity, 2, time.Now().UTC().Add(-time.Minute))

		l := audit.NewLockout(st, audit.NewManualMonitor(true), 30*time.Minute, 5)
		decision := l.CheckFailedAttempts(context.Background(), identity)
		assert.False(t, decision.ShouldLock)
		assert.Equal(t, 2, decision.Count)
	})

	t.Run("successes do not count", func(t *testing.T) {
		st := store.NewMemory()
		now := time.Now().UTC().Add(-time.Minute)
		for i := 0; i < 6; i++ {
			require.NoError(t, st.InsertEvents(context.Background(), []audit.Event{{
				Identity:  identity,
				Action:    audit.ActionSignInSuccess,
				Success:   true,
				Timestamp: now,
			}}))
		}

		l := audit.NewLockout(st, audit.NewManualMonitor(true), 30*time.Minute, 5)
		decision := l.CheckFailedAttempts(context.Background(), identity)
		assert.False(t, decision.ShouldLock)
		assert.Equal(t, 0, decision.Count)
	})

	t.Run("other identities do not count", func(t *testing.T) {
		st := store.NewMemory()
		insertFailures(t, st, "other@example.com", 10, time.Now().UTC().Add(-time.Minute))

		l := audit.NewLockout(st, audit.NewManualMonitor(true), 30*time.Minute, 5)
		decision := l.CheckFailedAttempts(context.Background(), identity)
		assert.False(t, decision.ShouldLock)
		assert.Equal(t, 0, decision.Count)
	})

	t.Run("fails open while offline", func(t *testing.T) {
		st := store.NewMemory()
		insertFailures(t, st, identity, 10, time.Now().UTC().Add(-time.Minute))

		l := audit.NewLockout(st, audit.NewManualMonitor(false), 30*time.Minute, 5)
		assert.Equal(t, audit.Decision{}, l.CheckFailedAttempts(context.Background(), identity))
	})

	t.Run("fails open on query error", func(t *testing.T) {
		st := store.NewMemory()
		st.SelectErr = errors.New("remote store down")

		l := audit.NewLockout(st, audit.NewManualMonitor(true), 30*time.Minute, 5)
		assert.Equal(t, audit.Decision{}, l.CheckFailedAttempts(context.Background(), identity))
	})
}

func TestNewLockoutDefaults(t *testing.T) {
	st := store.NewMemory()
	insertFailures(t, st, "user@example.com", 5, time.Now().UTC().Add(-29*time.Minute))

	// Non-positive settings fall back to 30 minutes / 5 attempts.
	l := audit.NewLockout(st, audit.NewManualMonitor(true), 0, 0)
	decision := l.CheckFailedAttempts(context.Background(), "user@example.com")
	assert.True(t, decision.ShouldLock)
	assert.Equal(t, 5, decision.Count)
}
