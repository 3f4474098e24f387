package benefit

import (
	"context"
	"fmt"
	"strings"
)

// =============================================================================
// ROLE - Closed set of caller roles
// =============================================================================

// Role is a closed sum type. Switches over Role must list every variant.
type Role uint8

const (
	RoleHR Role = iota + 1
	RoleWorker
	RoleEstablishment
)

func (r Role) String() string {
	switch r {
	case RoleHR:
		return "HR"
	case RoleWorker:
		return "Worker"
	case RoleEstablishment:
		return "Establishment"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hr":
		return RoleHR, nil
	case "worker":
		return RoleWorker, nil
	case "establishment":
		return RoleEstablishment, nil
	default:
		return 0, &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", s)}
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// =============================================================================
// PROFILE - Resolved caller identity
// =============================================================================

// Profile is what the identity provider knows about a caller.
type Profile struct {
	ID        PrincipalID
	Name      string
	Role      Role
	CompanyID *CompanyID
	IsActive  bool
}

func (p Profile) HasRole(r Role) bool { return p.Role == r }

func (p Profile) BelongsToCompany(id CompanyID) bool {
	return p.CompanyID != nil && *p.CompanyID == id
}

// IdentityProvider resolves principals. It is an external collaborator.
type IdentityProvider interface {
	Profile(ctx context.Context, id PrincipalID) (Profile, error)
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func requireActive(caller Profile) error {
	if !caller.IsActive {
		return &AuthorizationError{Caller: caller.ID, Reason: "profile is inactive"}
	}
	return nil
}

// RequireHR allows active HR users of the given company.
func RequireHR(caller Profile, company CompanyID) error {
	if err := requireActive(caller); err != nil {
		return err
	}
	switch caller.Role {
	case RoleHR:
		if !caller.BelongsToCompany(company) {
			return &AuthorizationError{Caller: caller.ID, Reason: fmt.Sprintf("not a member of company %s", company)}
		}
		return nil
	case RoleWorker, RoleEstablishment:
		return &AuthorizationError{Caller: caller.ID, Reason: "requires HR role"}
	default:
		return &AuthorizationError{Caller: caller.ID, Reason: "unknown role"}
	}
}

// RequireSelf allows a caller to act only on its own resources.
func RequireSelf(caller Profile, owner PrincipalID) error {
	if err := requireActive(caller); err != nil {
		return err
	}
	if caller.ID != owner {
		return &AuthorizationError{Caller: caller.ID, Reason: fmt.Sprintf("cannot act on behalf of %s", owner)}
	}
	return nil
}

// RequireEstablishment allows active establishment principals.
func RequireEstablishment(caller Profile) error {
	if err := requireActive(caller); err != nil {
		return err
	}
	switch caller.Role {
	case RoleEstablishment:
		return nil
	case RoleHR, RoleWorker:
		return &AuthorizationError{Caller: caller.ID, Reason: "requires Establishment role"}
	default:
		return &AuthorizationError{Caller: caller.ID, Reason: "unknown role"}
	}
}
