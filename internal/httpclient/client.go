// Package httpclient builds the *http.Client shared by the request, transfer
// and streaming engines.
package httpclient

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Options tunes the shared transport. Uploads, downloads and event streams
// stay open for as long as the caller's context allows, so no end-to-end
// deadline applies unless Deadline is set.
type Options struct {
	// Deadline bounds every exchange, body included. Zero disables it.
	Deadline time.Duration

	// ConnectTimeout bounds dialing the service.
	ConnectTimeout time.Duration

	// HeaderTimeout bounds the wait for response headers after the request
	// body has been written.
	HeaderTimeout time.Duration

	// TLSTimeout bounds the TLS handshake.
	TLSTimeout time.Duration

	// IdleConns is the number of pooled connections kept for the service host.
	IdleConns int

	// IdleTimeout drops pooled connections unused for this long.
	IdleTimeout time.Duration
}

// Defaults returns the options used when nothing is configured.
func Defaults() Options {
	return Options{
		ConnectTimeout: 30 * time.Second,
		HeaderTimeout:  60 * time.Second,
		TLSTimeout:     10 * time.Second,
		IdleConns:      16,
		IdleTimeout:    90 * time.Second,
	}
}

// FromEnv returns Defaults adjusted by the environment. Values are integer
// seconds or Go durations:
//   - HTTP_TIMEOUT: end-to-end deadline (default: none)
//   - HTTP_DIAL_TIMEOUT: connect timeout (default: 30s)
//   - HTTP_RESPONSE_HEADER_TIMEOUT: wait for response headers (default: 60s)
func FromEnv() Options {
	o := Defaults()
	o.Deadline = envDuration("HTTP_TIMEOUT", o.Deadline)
	o.ConnectTimeout = envDuration("HTTP_DIAL_TIMEOUT", o.ConnectTimeout)
	o.HeaderTimeout = envDuration("HTTP_RESPONSE_HEADER_TIMEOUT", o.HeaderTimeout)
	return o
}

// New returns a client whose transport pools connections to a single API host.
func New(o Options) *http.Client {
	dialer := &net.Dialer{Timeout: o.ConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: o.Deadline,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          o.IdleConns,
			MaxIdleConnsPerHost:   o.IdleConns,
			IdleConnTimeout:       o.IdleTimeout,
			TLSHandshakeTimeout:   o.TLSTimeout,
			ResponseHeaderTimeout: o.HeaderTimeout,
			ExpectContinueTimeout: time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

// NewDefault returns New(FromEnv()).
func NewDefault() *http.Client {
	return New(FromEnv())
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
