package authz_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis.evalgo.org/authz"
	"aegis.evalgo.org/common"
	"aegis.evalgo.org/store"
)

var principal = authz.Principal{ID: "p-1", Email: "admin@example.com"}

func strPtr(s string) *string { return &s }

func TestResolveNormalPath(t *testing.T) {
	dir := store.NewMemoryDirectory()
	dir.Profiles[principal.ID] = &authz.Profile{
		ID:       principal.ID,
		Email:    principal.Email,
		FullName: strPtr("Ada Admin"),
		Organization: &authz.Organization{
			ID:   "org-1",
			Name: "Example Org",
		},
	}
	dir.Roles[principal.ID] = []authz.Role{authz.RoleAdmin, authz.RoleManager}
	dir.Clients[principal.ID] = &authz.ClientRecord{ID: "c-1", PrincipalID: principal.ID}

	r := authz.NewResolver(dir, nil)
	require.NoError(t, r.SetPrincipal(context.Background(), principal))

	assert.Equal(t, authz.StateResolved, r.State())
	assert.True(t, r.IsAdmin())
	assert.True(t, r.IsManager())
	assert.False(t, r.IsClient())
	assert.False(t, r.EmergencyMode())

	snap := r.Snapshot()
	require.NotNil(t, snap.Profile)
	assert.Equal(t, "Ada Admin", *snap.Profile.FullName)
	require.NotNil(t, snap.ClientRecord)
	assert.Equal(t, "c-1", snap.ClientRecord.ID)
	assert.False(t, snap.EmergencyMode)
	assert.Empty(t, snap.Error)
}

func TestResolveEmptyRolesIsLegitimate(t *testing.T) {
	dir := store.NewMemoryDirectory()
	dir.Profiles[principal.ID] = &authz.Profile{ID: principal.ID, Email: principal.Email}

	r := authz.NewResolver(dir, nil)
	require.NoError(t, r.SetPrincipal(context.Background(), principal))

	assert.Equal(t, authz.StateResolved, r.State())
	assert.False(t, r.HasAnyRole(authz.RoleAdmin, authz.RoleClient, authz.RoleManager, authz.RoleSupport))
}

func TestResolveGenericFailure(t *testing.T) {
	dir := store.NewMemoryDirectory()
	dir.RolesErr = errors.New("connection refused")

	r := authz.NewResolver(dir, nil)
	err := r.SetPrincipal(context.Background(), principal)
	require.Error(t, err)

	assert.Equal(t, authz.StateFailed, r.State())
	assert.False(t, r.EmergencyMode(), "generic failure must not enter the emergency path")
	assert.False(t, r.IsAdmin())
}

func TestResolveEmergencyViaProcedure(t *testing.T) {
	t.Run("plain bool result", func(t *testing.T) {
		dir := store.NewMemoryDirectory()
		dir.RolesErr = &common.PolicyRecursionError{Rule: "role_grants_admin"}
		proc := &store.MemoryProcedure{Result: json.RawMessage(`true`)}

		r := authz.NewResolver(dir, proc)
		require.NoError(t, r.SetPrincipal(context.Background(), principal))

		assert.Equal(t, authz.StateEmergencyResolved, r.State())
		assert.True(t, r.EmergencyMode())
		assert.True(t, r.IsAdmin())
		assert.False(t, r.IsClient())
		assert.Equal(t, []string{authz.VerifyAdminProcedure}, proc.Calls())

		// The stand-in profile has the verified identity and nothing else.
		snap := r.Snapshot()
		require.NotNil(t, snap.Profile)
		assert.Equal(t, principal.ID, snap.Profile.ID)
		assert.Equal(t, principal.Email, snap.Profile.Email)
		assert.Nil(t, snap.Profile.FullName)
		assert.Nil(t, snap.Profile.Organization)
	})

	t.Run("wrapped result object", func(t *testing.T) {
		dir := store.NewMemoryDirectory()
		dir.ProfileErr = &common.PolicyRecursionError{}
		proc := &store.MemoryProcedure{Result: json.RawMessage(`{"is_admin": true}`)}

		r := authz.NewResolver(dir, proc)
		require.NoError(t, r.SetPrincipal(context.Background(), principal))
		assert.Equal(t, authz.StateEmergencyResolved, r.State())
	})
}

func TestResolveEmergencyViaDirectRole(t *testing.T) {
	dir := store.NewMemoryDirectory()
	dir.RolesErr = &common.PolicyRecursionError{}
	dir.DirectRoleGrant[principal.ID] = map[authz.Role]bool{authz.RoleAdmin: true}

	// Procedure denies; the direct query must still be able to prove.
	proc := &store.MemoryProcedure{Result: json.RawMessage(`false`)}

	r := authz.NewResolver(dir, proc)
	require.NoError(t, r.SetPrincipal(context.Background(), principal))

	assert.Equal(t, authz.StateEmergencyResolved, r.State())
	assert.True(t, r.IsAdmin())
}

func TestResolveEmergencyDenied(t *testing.T) {
	t.Run("both fallbacks answer no", func(t *testing.T) {
		dir := store.NewMemoryDirectory()
		dir.RolesErr = &common.PolicyRecursionError{}
		proc := &store.MemoryProcedure{Result: json.RawMessage(`false`)}

		r := authz.NewResolver(dir, proc)
		err := r.SetPrincipal(context.Background(), principal)
		require.ErrorIs(t, err, authz.ErrPolicyNeedsCorrection)

		assert.Equal(t, authz.StateEmergencyDenied, r.State())
		assert.True(t, r.EmergencyMode())
		assert.False(t, r.IsAdmin())
	})

	t.Run("both fallbacks fail", func(t *testing.T) {
		dir := store.NewMemoryDirectory()
		dir.RolesErr = &common.PolicyRecursionError{}
		dir.HasRoleErr = errors.New("query timeout")
		proc := &store.MemoryProcedure{Err: errors.New("rpc unavailable")}

		r := authz.NewResolver(dir, proc)
		err := r.SetPrincipal(context.Background(), principal)
		require.ErrorIs(t, err, authz.ErrPolicyNeedsCorrection)
		assert.Equal(t, authz.StateEmergencyDenied, r.State(), "ambiguity fails closed")
	})

	t.Run("unparseable procedure result is inconclusive", func(t *testing.T) {
		dir := store.NewMemoryDirectory()
		dir.RolesErr = &common.PolicyRecursionError{}
		proc := &store.MemoryProcedure{Result: json.RawMessage(`"yes"`)}

		r := authz.NewResolver(dir, proc)
		require.Error(t, r.SetPrincipal(context.Background(), principal))
		assert.Equal(t, authz.StateEmergencyDenied, r.State())
	})

	t.Run("nil procedure goes straight to the direct query", func(t *testing.T) {
		dir := store.NewMemoryDirectory()
		dir.RolesErr = &common.PolicyRecursionError{}

		r := authz.NewResolver(dir, nil)
		require.Error(t, r.SetPrincipal(context.Background(), principal))
		assert.Equal(t, authz.StateEmergencyDenied, r.State())
	})
}

func TestRecursionDetectedEvenWhenAnotherFetchFails(t *testing.T) {
	// A generic failure on one fetch must not mask the policy
	// self-reference reported by another.
	dir := store.NewMemoryDirectory()
	dir.ProfileErr = errors.New("connection reset")
	dir.ClientErr = &common.PolicyRecursionError{}
	dir.DirectRoleGrant[principal.ID] = map[authz.Role]bool{authz.RoleAdmin: true}

	r := authz.NewResolver(dir, nil)
	require.NoError(t, r.SetPrincipal(context.Background(), principal))
	assert.Equal(t, authz.StateEmergencyResolved, r.State())
}

func TestClearPrincipal(t *testing.T) {
	dir := store.NewMemoryDirectory()
	dir.Roles[principal.ID] = []authz.Role{authz.RoleAdmin}

	r := authz.NewResolver(dir, nil)
	require.NoError(t, r.SetPrincipal(context.Background(), principal))
	require.True(t, r.IsAdmin())

	r.ClearPrincipal()

	assert.Equal(t, authz.StateIdle, r.State())
	assert.False(t, r.IsAdmin())
	assert.NoError(t, r.Err())

	snap := r.Snapshot()
	assert.Empty(t, snap.Roles)
	assert.Nil(t, snap.Profile)
	assert.Nil(t, snap.ClientRecord)
	assert.False(t, snap.EmergencyMode)

	assert.ErrorIs(t, r.Refresh(context.Background()), authz.ErrNoPrincipal)
}

func TestRefresh(t *testing.T) {
	dir := store.NewMemoryDirectory()
	dir.Roles[principal.ID] = []authz.Role{authz.RoleSupport}

	r := authz.NewResolver(dir, nil)
	require.NoError(t, r.SetPrincipal(context.Background(), principal))
	require.True(t, r.IsSupport())
	require.False(t, r.IsAdmin())

	// Refresh rebuilds from scratch, so revoked roles disappear and new
	// ones appear.
	dir.Roles[principal.ID] = []authz.Role{authz.RoleAdmin}
	require.NoError(t, r.Refresh(context.Background()))

	assert.True(t, r.IsAdmin())
	assert.False(t, r.IsSupport())
}

func TestRefreshRecoversFromEmergency(t *testing.T) {
	dir := store.NewMemoryDirectory()
	dir.RolesErr = &common.PolicyRecursionError{}
	dir.DirectRoleGrant[principal.ID] = map[authz.Role]bool{authz.RoleAdmin: true}

	r := authz.NewResolver(dir, nil)
	require.NoError(t, r.SetPrincipal(context.Background(), principal))
	require.Equal(t, authz.StateEmergencyResolved, r.State())

	// The backend policy gets fixed; the next refresh resolves normally.
	dir.RolesErr = nil
	dir.Roles[principal.ID] = []authz.Role{authz.RoleAdmin, authz.RoleSupport}
	require.NoError(t, r.Refresh(context.Background()))

	assert.Equal(t, authz.StateResolved, r.State())
	assert.False(t, r.EmergencyMode())
	assert.True(t, r.IsSupport())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", authz.StateIdle.String())
	assert.Equal(t, "resolved", authz.StateResolved.String())
	assert.Equal(t, "emergency_resolved", authz.StateEmergencyResolved.String())
	assert.Equal(t, "emergency_denied", authz.StateEmergencyDenied.String())
	assert.Equal(t, "failed", authz.StateFailed.String())
}
