// Package memory provides an in-memory directory implementation used by
// tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/directory"
)

// Directory is a mutex-guarded in-memory user directory. The manager graph
// is validated on write: an edge that would close a cycle is rejected, so
// reads can walk manager chains without cycle checks.
type Directory struct {
	mu       sync.RWMutex
	users    map[string]directory.User
	deptMgr  map[string]string // department id → manager user id
	projMgr  map[string]string // project id → manager user id
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		users:   make(map[string]directory.User),
		deptMgr: make(map[string]string),
		projMgr: make(map[string]string),
	}
}

// AddUser inserts or replaces a user. A manager reference is validated
// against cycles, including self-management.
func (d *Directory) AddUser(u directory.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u.ID == "" {
		return apperrors.InvalidInput("id", "user id is required")
	}
	if u.ManagerID != "" {
		if err := d.checkNoCycle(u.ID, u.ManagerID); err != nil {
			return err
		}
	}
	d.users[u.ID] = u
	return nil
}

// SetManager rewires a user's manager edge, rejecting edges that would
// create a cycle in the reporting graph.
func (d *Directory) SetManager(userID, managerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return apperrors.NotFound("user", userID)
	}
	if managerID != "" {
		if err := d.checkNoCycle(userID, managerID); err != nil {
			return err
		}
	}
	u.ManagerID = managerID
	d.users[userID] = u
	return nil
}

// checkNoCycle walks up from candidate manager; reaching userID again means
// the new edge would close a cycle. Callers hold the lock.
func (d *Directory) checkNoCycle(userID, managerID string) error {
	for cur := managerID; cur != ""; {
		if cur == userID {
			return apperrors.Newf(apperrors.ErrCodeInvalidInput,
				"manager edge %s -> %s would create a reporting cycle", userID, managerID)
		}
		next, ok := d.users[cur]
		if !ok {
			break
		}
		cur = next.ManagerID
	}
	return nil
}

// SetDepartmentManager assigns the manager for a department.
func (d *Directory) SetDepartmentManager(departmentID, managerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deptMgr[departmentID] = managerID
}

// SetProjectManager assigns the manager for a project.
func (d *Directory) SetProjectManager(projectID, managerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.projMgr[projectID] = managerID
}

func (d *Directory) IsActive(ctx context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	return ok && u.Active, nil
}

func (d *Directory) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	for id, u := range d.users {
		if !u.Active {
			continue
		}
		for _, r := range u.Roles {
			if r == role {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Directory) ManagerOf(ctx context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return "", apperrors.NotFound("user", userID)
	}
	return u.ManagerID, nil
}

func (d *Directory) DepartmentManagerOf(ctx context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return "", apperrors.NotFound("user", userID)
	}
	if u.DepartmentID == "" {
		return "", nil
	}
	return d.deptMgr[u.DepartmentID], nil
}

func (d *Directory) ProjectManagerOf(ctx context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return "", apperrors.NotFound("user", userID)
	}
	if u.ProjectID == "" {
		return "", nil
	}
	return d.projMgr[u.ProjectID], nil
}

var _ directory.Directory = (*Directory)(nil)
