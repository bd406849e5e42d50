// Package streaming opens long-lived server-push channels to the service.
// Browsers cannot attach headers to EventSource or WebSocket handshakes, so
// the credential travels as a "token" query parameter instead of the
// Authorization header.
package streaming

import (
	"fmt"
	"log/slog"
	"net/url"

	"transferclient/internal/apiclient"
)

// Option customizes a Factory.
type Option func(*Factory)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// WithOrigin sets the Origin sent on socket handshakes. It defaults to the
// service base URL.
func WithOrigin(origin string) Option {
	return func(f *Factory) { f.origin = origin }
}

// Factory builds event streams and sockets sharing the request engine's base
// URL, credential and transport.
type Factory struct {
	api    *apiclient.Client
	logger *slog.Logger
	origin string
}

// New creates a factory on top of api.
func New(api *apiclient.Client, opts ...Option) *Factory {
	f := &Factory{
		api:    api,
		logger: slog.Default(),
		origin: api.Config().BaseURL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// URL returns the absolute channel URL for path, carrying the current
// credential as ?token= when one is present.
func (f *Factory) URL(path string) (string, error) {
	u, err := url.Parse(f.api.URL(path))
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	if token := f.api.Token(); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// socketURL is URL with the scheme switched to ws or wss.
func (f *Factory) socketURL(path string) (string, error) {
	raw, err := f.URL(path)
	if err != nil {
		return "", err
	}
	u, _ := url.Parse(raw)
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q for socket", u.Scheme)
	}
	return u.String(), nil
}
