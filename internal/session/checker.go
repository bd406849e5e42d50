// Package session answers "is the service up" and "is my token still good",
// and clears an expired credential on a schedule.
package session

import (
	"context"
	"net/http"

	"transferclient/internal/apiclient"
	"transferclient/internal/core"
)

// Checker probes service health and credential validity.
type Checker struct {
	api *apiclient.Client
}

// NewChecker creates a checker using api.
func NewChecker(api *apiclient.Client) *Checker {
	return &Checker{api: api}
}

// HealthCheck reports whether the service answers "healthy". Any failure
// counts as unhealthy.
func (c *Checker) HealthCheck(ctx context.Context) bool {
	h, err := c.api.Health(ctx)
	if err != nil {
		return false
	}
	return h.Status == "healthy"
}

// CheckAuth reports whether the current credential is accepted. A 401 is a
// definite "no"; other failures are returned so callers do not log a user
// out over a network blip.
func (c *Checker) CheckAuth(ctx context.Context) (bool, error) {
	_, err := c.api.Me(ctx)
	if err == nil {
		return true, nil
	}
	if core.KindOf(err) == core.KindHTTP && core.StatusOf(err) == http.StatusUnauthorized {
		return false, nil
	}
	return false, err
}
