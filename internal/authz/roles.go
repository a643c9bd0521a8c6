package authz

import (
	"errors"
	"fmt"
	"strings"
)

// Role is one of the three account roles.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleDesigner Role = "DESIGNER"
	RoleClient   Role = "CLIENT"
)

// Objects guarded by the policy.
const (
	ObjectProfile      = "profile"
	ObjectClients      = "clients"
	ObjectMeasurements = "measurements"
	ObjectLinks        = "links"
	ObjectAnalytics    = "analytics"
	ObjectEvents       = "events"
	ObjectUsers        = "users"
)

// Actions understood by the policy.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

var ErrUnknownRole = errors.New("authz: unknown role")

// ParseRole normalizes a stored or claimed role string.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleDesigner:
		return RoleDesigner, nil
	case RoleClient:
		return RoleClient, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
}

func (r Role) String() string {
	return string(r)
}

// Actor identifies the authenticated caller of a service operation.
type Actor struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the actor bypasses ownership checks.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// CanAccessDesignerResource reports whether the actor owns, or administers,
// a resource belonging to designerID.
func (a Actor) CanAccessDesignerResource(designerID string) bool {
	if a.IsAdmin() {
		return true
	}
	return a.UserID != "" && a.UserID == designerID
}
