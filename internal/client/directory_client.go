package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/directory"
)

// DirectoryClient implements directory.Directory against the platform
// identity service's HTTP API. Lookups run at resolution time so manager
// and department/project associations are always current.
type DirectoryClient struct {
	baseURL string
	http    *http.Client
}

// NewDirectoryClient creates a client for the identity service.
func NewDirectoryClient(baseURL string, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *DirectoryClient) getUser(ctx context.Context, userID string) (*directory.User, error) {
	var user directory.User
	path := fmt.Sprintf("/api/v1/users/%s", url.PathEscape(userID))
	if err := c.getJSON(ctx, path, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// IsActive reports whether the user exists and is active. A 404 from the
// directory reads as inactive, not as a failure.
func (c *DirectoryClient) IsActive(ctx context.Context, userID string) (bool, error) {
	user, err := c.getUser(ctx, userID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return user.Active, nil
}

// UsersWithRole returns active users holding the role.
func (c *DirectoryClient) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	var resp struct {
		Users []directory.User `json:"users"`
	}
	path := fmt.Sprintf("/api/v1/roles/%s/users", url.PathEscape(role))
	if err := c.getJSON(ctx, path, &resp); err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, u := range resp.Users {
		if u.Active {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

// ManagerOf returns the user's direct manager, "" when none.
func (c *DirectoryClient) ManagerOf(ctx context.Context, userID string) (string, error) {
	user, err := c.getUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.ManagerID, nil
}

// DepartmentManagerOf returns the manager of the user's department.
func (c *DirectoryClient) DepartmentManagerOf(ctx context.Context, userID string) (string, error) {
	return c.associationManager(ctx, userID, "departments", func(u *directory.User) string { return u.DepartmentID })
}

// ProjectManagerOf returns the manager of the user's project.
func (c *DirectoryClient) ProjectManagerOf(ctx context.Context, userID string) (string, error) {
	return c.associationManager(ctx, userID, "projects", func(u *directory.User) string { return u.ProjectID })
}

func (c *DirectoryClient) associationManager(ctx context.Context, userID, collection string, pick func(*directory.User) string) (string, error) {
	user, err := c.getUser(ctx, userID)
	if err != nil {
		return "", err
	}
	assocID := pick(user)
	if assocID == "" {
		return "", nil
	}
	var resp struct {
		ManagerID string `json:"manager_id"`
	}
	path := fmt.Sprintf("/api/v1/%s/%s", collection, url.PathEscape(assocID))
	if err := c.getJSON(ctx, path, &resp); err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			return "", nil
		}
		return "", err
	}
	return resp.ManagerID, nil
}

func (c *DirectoryClient) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "directory: build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "directory: request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NotFound("directory resource", path)
	case resp.StatusCode != http.StatusOK:
		return apperrors.Newf(apperrors.ErrCodeInternal,
			"directory: unexpected status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "directory: decode response")
	}
	return nil
}

var _ directory.Directory = (*DirectoryClient)(nil)
