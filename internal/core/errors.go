// Package core provides the error taxonomy and shared wire types of the transfer client.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// ErrorKind classifies a failure so retry and UI code can branch on it
// without probing optional fields.
type ErrorKind string

const (
	// KindNetwork indicates the transport could not complete the exchange
	KindNetwork ErrorKind = "network"
	// KindTimeout indicates the request exceeded its time bound
	KindTimeout ErrorKind = "timeout"
	// KindHTTP indicates the server answered with a non-2xx status
	KindHTTP ErrorKind = "http"
	// KindCancelled indicates a caller-initiated abort
	KindCancelled ErrorKind = "cancelled"
	// KindInvalidRequest indicates the request could not be built locally
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindDecode indicates a successful response body could not be decoded
	KindDecode ErrorKind = "decode"
)

// ClientError is the single error type returned by the request and transfer engines.
type ClientError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Status     int       `json:"status,omitempty"`
	StatusText string    `json:"status_text,omitempty"`
	// Data holds the decoded JSON error body, when the server sent one.
	Data map[string]any `json:"data,omitempty"`
	// RetryAfter is the server-supplied hint on 429/503 responses, zero when absent.
	RetryAfter time.Duration `json:"-"`
	// Original error for debugging
	Err error `json:"-"`
}

// Error implements the error interface
func (e *ClientError) Error() string {
	return e.Message
}

// Unwrap implements the error unwrapping interface
func (e *ClientError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure class is eligible for another attempt.
// Network failures, timeouts, 5xx and 429 are retryable; every other client
// error and any cancellation is not.
func (e *ClientError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindHTTP:
		if e.Status == http.StatusTooManyRequests {
			return true
		}
		return e.Status >= 500
	default:
		return false
	}
}

// NewNetworkError creates a transport failure error.
func NewNetworkError(err error) *ClientError {
	return &ClientError{Kind: KindNetwork, Message: "Network error", Err: err}
}

// NewTransportError classifies a failed exchange. Timeouts raised by the
// transport itself, such as a response header timeout, are reported as
// KindTimeout; anything else is a network error.
func NewTransportError(err error) *ClientError {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewTimeoutError(err)
	}
	return NewNetworkError(err)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(err error) *ClientError {
	return &ClientError{Kind: KindTimeout, Message: "Request timeout", Err: err}
}

// NewCancelledError creates a cancellation error with the given message.
func NewCancelledError(message string, err error) *ClientError {
	if message == "" {
		message = "Request cancelled"
	}
	return &ClientError{Kind: KindCancelled, Message: message, Err: err}
}

// NewInvalidRequestError creates an error for a request that could not be built.
func NewInvalidRequestError(message string, err error) *ClientError {
	return &ClientError{Kind: KindInvalidRequest, Message: message, Err: err}
}

// NewDecodeError creates an error for a 2xx body that failed to decode.
func NewDecodeError(message string, err error) *ClientError {
	return &ClientError{Kind: KindDecode, Message: message, Err: err}
}

// NewHTTPError creates an error for a non-2xx response without a body.
func NewHTTPError(status int, statusText string) *ClientError {
	if statusText == "" {
		statusText = http.StatusText(status)
	}
	return &ClientError{
		Kind:       KindHTTP,
		Message:    fmt.Sprintf("HTTP %d: %s", status, statusText),
		Status:     status,
		StatusText: statusText,
	}
}

// ParseHTTPError builds an HTTP error from a failed response. When the body is
// JSON its "detail" or "message" field replaces the generic message; a missing
// or malformed body silently falls back to "HTTP <status>: <statusText>".
func ParseHTTPError(status int, statusText string, body []byte) *ClientError {
	e := NewHTTPError(status, statusText)
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return e
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return e
	}
	e.Data = data

	if detail := gjson.GetBytes(body, "detail"); detail.Type == gjson.String && detail.Str != "" {
		e.Message = detail.Str
	} else if msg := gjson.GetBytes(body, "message"); msg.Type == gjson.String && msg.Str != "" {
		e.Message = msg.Str
	}
	return e
}

// ParseRetryAfter reads a Retry-After header given in seconds.
// HTTP-date values are not supported and yield zero.
func ParseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// AsClientError extracts a *ClientError from err's chain.
func AsClientError(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the kind of err, or the empty kind for foreign errors.
func KindOf(err error) ErrorKind {
	if ce, ok := AsClientError(err); ok {
		return ce.Kind
	}
	return ""
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	if ce, ok := AsClientError(err); ok {
		return ce.Status
	}
	return 0
}

// IsCancelled reports whether err is a caller-initiated cancellation.
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }
