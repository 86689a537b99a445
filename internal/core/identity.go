package core

import (
	"fmt"

	"opencampus.dev/assistant/internal/store"
)

type Role string

const (
	RoleAdmin   Role = "Admin"
	RoleTeacher Role = "Teacher"
	RoleStudent Role = "Student"
)

// UserContext is the per-operation projection of a connection's identity.
// It is resolved fresh at the start of every hub operation and discarded at
// the end; caching it across requests would let revoked privileges linger.
type UserContext struct {
	UserID     int64
	FullName   string
	Role       Role
	StudentID  *int64
	EmployeeID *int64
	CampusID   *int64
}

// IsAdmin reports whether the context carries the administrative role.
func (uc *UserContext) IsAdmin() bool {
	return uc.Role == RoleAdmin
}

// UserDirectory is the identity collaborator consumed by the resolver.
type UserDirectory interface {
	GetUserByExternalID(externalUserID string) (*store.User, error)
}

// IdentityService resolves connection principals into user contexts.
type IdentityService struct {
	directory UserDirectory
}

func NewIdentityService(directory UserDirectory) *IdentityService {
	return &IdentityService{directory: directory}
}

// Resolve looks up the principal and projects a UserContext. The effective
// role follows precedence Admin > Teacher > Student > first assigned role,
// defaulting to Student for users with no role assignments.
func (s *IdentityService) Resolve(principal string) (*UserContext, error) {
	user, err := s.directory.GetUserByExternalID(principal)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %q: %w", principal, err)
	}
	if user == nil {
		return nil, fmt.Errorf("unknown user %q", principal)
	}

	return &UserContext{
		UserID:     user.ID,
		FullName:   user.FullName,
		Role:       resolveRole(user.Roles),
		StudentID:  user.StudentID,
		EmployeeID: user.EmployeeID,
		CampusID:   user.CampusID,
	}, nil
}

func resolveRole(roles []string) Role {
	has := func(want Role) bool {
		for _, r := range roles {
			if Role(r) == want {
				return true
			}
		}
		return false
	}

	switch {
	case has(RoleAdmin):
		return RoleAdmin
	case has(RoleTeacher):
		return RoleTeacher
	case has(RoleStudent):
		return RoleStudent
	case len(roles) > 0:
		return Role(roles[0])
	default:
		return RoleStudent
	}
}
