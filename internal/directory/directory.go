// Package directory defines the narrow user-directory surface the approval
// engine consumes: active status, role membership and the manager /
// department / project associations used to resolve approvers. The engine
// never sees business domain data through this interface.
package directory

import "context"

// User is the directory's view of one person.
type User struct {
	ID           string   `json:"id"`
	Active       bool     `json:"active"`
	ManagerID    string   `json:"manager_id,omitempty"`
	DepartmentID string   `json:"department_id,omitempty"`
	ProjectID    string   `json:"project_id,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

// Directory resolves identities at decision time, not request-creation time,
// so organizational changes are always reflected.
type Directory interface {
	// IsActive reports whether the user exists and is active.
	IsActive(ctx context.Context, userID string) (bool, error)

	// UsersWithRole returns the active users holding the role, in a
	// deterministic order.
	UsersWithRole(ctx context.Context, role string) ([]string, error)

	// ManagerOf returns the user's direct manager, or "" when none is
	// configured.
	ManagerOf(ctx context.Context, userID string) (string, error)

	// DepartmentManagerOf returns the manager of the user's department,
	// or "" when the user has no department or the department no manager.
	DepartmentManagerOf(ctx context.Context, userID string) (string, error)

	// ProjectManagerOf returns the manager of the user's project, or ""
	// when the user has no project or the project no manager.
	ProjectManagerOf(ctx context.Context, userID string) (string, error)
}
