// Package store provides remote record store, directory, and remote
// procedure implementations for the audit pipeline and authorization
// resolver: CouchDB (Mango queries), PostgreSQL, an HTTP procedure
// caller, and in-memory fakes for testing.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"aegis.evalgo.org/audit"
	"aegis.evalgo.org/authz"
)

// Memory is an in-memory EventStore with failure injection, used in tests
// and by hosts that want a dry-run pipeline.
type Memory struct {
	mu     sync.Mutex
	events []audit.Event

	// InsertErr, when set, fails every InsertEvents call.
	InsertErr error

	// SelectErr, when set, fails every SelectEvents call.
	SelectErr error
}

// NewMemory creates an empty in-memory event store.
func NewMemory() *Memory { return &Memory{} }

// InsertEvents appends the batch, or fails atomically when InsertErr is
// set.
func (m *Memory) InsertEvents(_ context.Context, events []audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.events = append(m.events, events...)
	return nil
}

// SelectEvents filters the stored events.
func (m *Memory) SelectEvents(_ context.Context, filter audit.Filter) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SelectErr != nil {
		return nil, m.SelectErr
	}

	var out []audit.Event
	for _, ev := range m.events {
		if filter.Identity != "" && ev.Identity != filter.Identity {
			continue
		}
		if filter.Success != nil && ev.Success != *filter.Success {
			continue
		}
		if !filter.Since.IsZero() && ev.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, ev)
	}

	if filter.NewestFirst {
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Events returns a copy of everything inserted so far.
func (m *Memory) Events() []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Event, len(m.events))
	copy(out, m.events)
	return out
}

// SetInsertErr scripts the insert failure under the store's lock.
func (m *Memory) SetInsertErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertErr = err
}

// MemoryDirectory is an in-memory authz.Directory with per-method failure
// injection.
type MemoryDirectory struct {
	mu sync.Mutex

	Profiles map[string]*authz.Profile
	Roles    map[string][]authz.Role
	Clients  map[string]*authz.ClientRecord

	ProfileErr      error
	RolesErr        error
	ClientErr       error
	HasRoleErr      error
	DirectRoleGrant map[string]map[authz.Role]bool
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		Profiles:        map[string]*authz.Profile{},
		Roles:           map[string][]authz.Role{},
		Clients:         map[string]*authz.ClientRecord{},
		DirectRoleGrant: map[string]map[authz.Role]bool{},
	}
}

// GetProfile returns the scripted profile.
func (d *MemoryDirectory) GetProfile(_ context.Context, principalID string) (*authz.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ProfileErr != nil {
		return nil, d.ProfileErr
	}
	return d.Profiles[principalID], nil
}

// GetRoles returns the scripted role list.
func (d *MemoryDirectory) GetRoles(_ context.Context, principalID string) ([]authz.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.RolesErr != nil {
		return nil, d.RolesErr
	}
	return d.Roles[principalID], nil
}

// GetClientRecord returns the scripted client record.
func (d *MemoryDirectory) GetClientRecord(_ context.Context, principalID string) (*authz.ClientRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ClientErr != nil {
		return nil, d.ClientErr
	}
	return d.Clients[principalID], nil
}

// HasRoleDirect answers from the scripted direct-grant table, which is
// deliberately separate from Roles: the direct path must work when the
// normal one is broken.
func (d *MemoryDirectory) HasRoleDirect(_ context.Context, principalID string, role authz.Role) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.HasRoleErr != nil {
		return false, d.HasRoleErr
	}
	return d.DirectRoleGrant[principalID][role], nil
}

// MemoryProcedure is a scripted authz.Procedure.
type MemoryProcedure struct {
	Result json.RawMessage
	Err    error

	mu    sync.Mutex
	calls []string
}

// Call records the invocation and returns the scripted result.
func (p *MemoryProcedure) Call(_ context.Context, name string, _ map[string]any) (json.RawMessage, error) {
	p.mu.Lock()
	p.calls = append(p.calls, name)
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Result, nil
}

// Calls returns the procedure names invoked so far.
func (p *MemoryProcedure) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}
