package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"aegis.evalgo.org/common"
)

// State is the resolver's lifecycle position.
type State int

// Resolver states.
const (
	StateIdle State = iota
	StateLoading
	StateResolved
	StateEmergencyResolved
	StateEmergencyDenied
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateResolved:
		return "resolved"
	case StateEmergencyResolved:
		return "emergency_resolved"
	case StateEmergencyDenied:
		return "emergency_denied"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNoPrincipal is returned by Refresh when no principal is set.
var ErrNoPrincipal = errors.New("no principal set")

// ErrPolicyNeedsCorrection is surfaced when the emergency path could not
// prove administrator status: the backend policy needs correction, and
// until then the resolver fails closed.
var ErrPolicyNeedsCorrection = errors.New("backend access policy is self-referencing and emergency verification found no administrator grant; the policy needs correction")

// Snapshot is a copy of the resolver's working state for the host
// application.
type Snapshot struct {
	State         State         `json:"state"`
	Roles         []Role        `json:"roles"`
	Profile       *Profile      `json:"profile"`
	ClientRecord  *ClientRecord `json:"client_record"`
	Loading       bool          `json:"loading"`
	Error         string        `json:"error,omitempty"`
	EmergencyMode bool          `json:"emergency_mode"`
}

// Resolver rebuilds the authorization state for the current principal.
// The state is a cache of remote truth: it is rebuilt from scratch on
// principal change and on refresh, never incrementally patched.
//
// All methods are safe for concurrent use.
type Resolver struct {
	directory Directory
	procedure Procedure // nil disables the RPC emergency step

	mu        sync.Mutex
	principal *Principal
	state     State
	roles     map[Role]struct{}
	profile   *Profile
	client    *ClientRecord
	err       error
	emergency bool
}

// NewResolver creates an idle resolver. procedure may be nil, in which
// case the emergency path goes straight to the direct role query.
func NewResolver(directory Directory, procedure Procedure) *Resolver {
	return &Resolver{
		directory: directory,
		procedure: procedure,
		state:     StateIdle,
		roles:     map[Role]struct{}{},
	}
}

// SetPrincipal installs a principal and runs the full resolution
// sequence. The returned error mirrors the surfaced state error; the
// resolver is in a terminal state either way.
func (r *Resolver) SetPrincipal(ctx context.Context, p Principal) error {
	r.mu.Lock()
	r.principal = &p
	r.mu.Unlock()
	return r.resolve(ctx, p)
}

// ClearPrincipal resets the resolver to idle with all fields cleared,
// as on sign-out.
func (r *Resolver) ClearPrincipal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.principal = nil
	r.state = StateIdle
	r.roles = map[Role]struct{}{}
	r.profile = nil
	r.client = nil
	r.err = nil
	r.emergency = false
}

// Refresh re-runs the full resolution sequence for the current principal,
// for example after a profile edit.
func (r *Resolver) Refresh(ctx context.Context) error {
	r.mu.Lock()
	p := r.principal
	r.mu.Unlock()
	if p == nil {
		return ErrNoPrincipal
	}
	return r.resolve(ctx, *p)
}

// resolve runs fetch, classify, then either the normal or the emergency
// completion.
func (r *Resolver) resolve(ctx context.Context, p Principal) error {
	r.mu.Lock()
	r.state = StateLoading
	r.roles = map[Role]struct{}{}
	r.profile = nil
	r.client = nil
	r.err = nil
	r.emergency = false
	r.mu.Unlock()

	// The three fetches target disjoint data and run concurrently to
	// bound latency. Errors are collected per fetch rather than
	// short-circuited, so a policy self-reference on any of them is
	// classified even when another fetch failed first.
	var (
		profile          *Profile
		roles            []Role
		client           *ClientRecord
		pErr, rErr, cErr error
	)
	g := new(errgroup.Group)
	g.Go(func() error { profile, pErr = r.directory.GetProfile(ctx, p.ID); return nil })
	g.Go(func() error { roles, rErr = r.directory.GetRoles(ctx, p.ID); return nil })
	g.Go(func() error { client, cErr = r.directory.GetClientRecord(ctx, p.ID); return nil })
	_ = g.Wait()

	for _, err := range []error{pErr, rErr, cErr} {
		if common.IsPolicyRecursion(err) {
			common.Logger.WithField("principal", p.ID).Warn("policy self-reference detected, entering emergency authorization path")
			return r.resolveEmergency(ctx, p)
		}
	}

	for _, err := range []error{pErr, rErr, cErr} {
		if err != nil {
			r.mu.Lock()
			r.state = StateFailed
			r.err = fmt.Errorf("authorization fetch failed: %w", err)
			out := r.err
			r.mu.Unlock()
			return out
		}
	}

	r.mu.Lock()
	r.state = StateResolved
	for _, role := range roles {
		r.roles[role] = struct{}{}
	}
	r.profile = profile
	r.client = client
	r.mu.Unlock()
	return nil
}

// resolveEmergency re-derives the administrator decision through the two
// alternate paths: the dedicated verification procedure first, then the
// maximally restricted direct role query. The second, more invasive path
// runs only when the first did not prove administrator status. Ambiguity
// fails closed.
func (r *Resolver) resolveEmergency(ctx context.Context, p Principal) error {
	admin := r.verifyAdminRPC(ctx, p)
	if !admin {
		ok, err := r.directory.HasRoleDirect(ctx, p.ID, RoleAdmin)
		if err != nil {
			common.Logger.WithError(err).Warn("emergency direct role query failed")
		}
		admin = err == nil && ok
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.emergency = true

	if !admin {
		r.state = StateEmergencyDenied
		r.err = ErrPolicyNeedsCorrection
		return r.err
	}

	r.state = StateEmergencyResolved
	r.roles = map[Role]struct{}{RoleAdmin: {}}
	// Synthetic stand-in profile, held in memory only and never
	// persisted: correct id and email, all optional fields null.
	r.profile = &Profile{ID: p.ID, Email: p.Email}
	common.Logger.WithField("principal", p.ID).Warn("administrator status verified through emergency path")
	return nil
}

// verifyAdminRPC runs the dedicated verification procedure. Any failure
// or unparseable answer is inconclusive, never proof.
func (r *Resolver) verifyAdminRPC(ctx context.Context, p Principal) bool {
	if r.procedure == nil {
		return false
	}

	raw, err := r.procedure.Call(ctx, VerifyAdminProcedure, map[string]any{"principal_id": p.ID})
	if err != nil {
		common.Logger.WithError(err).Warn("emergency admin verification call failed")
		return false
	}

	var isAdmin bool
	if err := json.Unmarshal(raw, &isAdmin); err == nil {
		return isAdmin
	}

	var wrapped struct {
		IsAdmin bool `json:"is_admin"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.IsAdmin
	}

	common.Logger.Warn("emergency admin verification returned unparseable result")
	return false
}

// Snapshot returns a copy of the current working state.
func (r *Resolver) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	roles := make([]Role, 0, len(r.roles))
	for role := range r.roles {
		roles = append(roles, role)
	}

	snap := Snapshot{
		State:         r.state,
		Roles:         roles,
		Profile:       r.profile,
		ClientRecord:  r.client,
		Loading:       r.state == StateLoading,
		EmergencyMode: r.emergency,
	}
	if r.err != nil {
		snap.Error = r.err.Error()
	}
	return snap
}

// State returns the current lifecycle state.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the surfaced error, if any.
func (r *Resolver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// EmergencyMode reports whether the current state was produced by the
// emergency path.
func (r *Resolver) EmergencyMode() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emergency
}

// HasRole reports whether the current role set contains role. Emergency
// states answer exactly like normal ones; only Snapshot's error and
// emergency flags reveal degraded provenance.
func (r *Resolver) HasRole(role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.roles[role]
	return ok
}

// HasAnyRole reports whether any of the given roles is held.
func (r *Resolver) HasAnyRole(roles ...Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, role := range roles {
		if _, ok := r.roles[role]; ok {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal holds the admin role.
func (r *Resolver) IsAdmin() bool { return r.HasRole(RoleAdmin) }

// IsClient reports whether the principal holds the client role.
func (r *Resolver) IsClient() bool { return r.HasRole(RoleClient) }

// IsManager reports whether the principal holds the manager role.
func (r *Resolver) IsManager() bool { return r.HasRole(RoleManager) }

// IsSupport reports whether the principal holds the support role.
func (r *Resolver) IsSupport() bool { return r.HasRole(RoleSupport) }
