package apiclient

import (
	"context"
	"fmt"
	"net/url"

	"transferclient/internal/core"
)

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*core.HealthResponse, error) {
	var out core.HealthResponse
	if _, err := c.Get(ctx, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me calls GET /auth/me and returns the authenticated identity.
func (c *Client) Me(ctx context.Context) (*core.Identity, error) {
	var out core.Identity
	if _, err := c.Get(ctx, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UserProfile calls GET /user/me.
func (c *Client) UserProfile(ctx context.Context) (*core.UserProfile, error) {
	var out core.UserProfile
	if _, err := c.Get(ctx, "/user/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveSettings posts settings to /user/settings and returns what the server accepted.
func (c *Client) SaveSettings(ctx context.Context, settings core.UserSettings) (*core.UserSettings, error) {
	var out core.UserSettings
	resp, err := c.Post(ctx, "/user/settings", settings, &out)
	if err != nil {
		return nil, err
	}
	if !resp.IsJSON() {
		return &settings, nil
	}
	return &out, nil
}

// FileStatus calls GET /files/{id}/status.
func (c *Client) FileStatus(ctx context.Context, fileID string) (*core.FileStatusResponse, error) {
	var out core.FileStatusResponse
	path := fmt.Sprintf("/files/%s/status", url.PathEscape(fileID))
	if _, err := c.Get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
