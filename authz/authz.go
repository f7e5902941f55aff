// Package authz resolves what the current principal is allowed to do,
// including a degraded emergency path that re-derives administrator status
// through narrower queries when the backend's normal policy path is
// unusable.
package authz

import (
	"context"
	"encoding/json"
)

// Role names a coarse capability grant.
type Role string

// Standard roles.
const (
	RoleAdmin   Role = "admin"
	RoleClient  Role = "client"
	RoleManager Role = "manager"
	RoleSupport Role = "support"
)

// Principal is the authenticated entity whose roles are being resolved.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Organization is the organization a profile belongs to.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Profile is the externally owned profile row for a principal. Optional
// fields are pointers so a synthesized emergency profile can carry them
// as explicitly null.
type Profile struct {
	ID           string        `json:"id"`
	Email        string        `json:"email"`
	FullName     *string       `json:"full_name"`
	Phone        *string       `json:"phone"`
	AvatarURL    *string       `json:"avatar_url"`
	Organization *Organization `json:"organization"`
}

// ClientRecord is the externally owned client/account row for a principal,
// present only for principals that are clients.
type ClientRecord struct {
	ID             string `json:"id"`
	PrincipalID    string `json:"principal_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	Status         string `json:"status,omitempty"`
}

// Directory is the remote data-access contract for principal profile,
// role, and account data.
//
// Implementations must return *common.PolicyRecursionError (possibly
// wrapped) when the backend reports its policy self-reference failure;
// it is the only signal that switches the resolver into its emergency
// path.
type Directory interface {
	// GetProfile fetches the principal's profile joined with its
	// organization.
	GetProfile(ctx context.Context, principalID string) (*Profile, error)

	// GetRoles fetches the principal's role list. An empty list is a
	// legitimate result, not an error.
	GetRoles(ctx context.Context, principalID string) ([]Role, error)

	// GetClientRecord fetches the principal's client record. A nil
	// record with nil error means the principal is not a client.
	GetClientRecord(ctx context.Context, principalID string) (*ClientRecord, error)

	// HasRoleDirect answers the maximally restricted query "does this
	// principal hold this role", scoped to exactly (principal, role).
	// It is the second emergency fallback and must not traverse the
	// recursive policy path.
	HasRoleDirect(ctx context.Context, principalID string, role Role) (bool, error)
}

// Procedure is the remote procedure call contract used by the first
// emergency fallback.
type Procedure interface {
	Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// VerifyAdminProcedure is the dedicated procedure consulted by the
// emergency path.
const VerifyAdminProcedure = "verify_admin_status"
