// Package apiclient is the request engine of the transfer client:
// - URL building under a fixed API root
// - Default, override and bearer header assembly
// - Per-request timeouts that never outlive the exchange
// - Normalized success and error outcomes
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"transferclient/internal/core"
	"transferclient/internal/credential"
	"transferclient/internal/httpclient"
	"transferclient/internal/observability"
)

const (
	// DefaultAPIRoot is prefixed to every request path.
	DefaultAPIRoot = "/api"
	// DefaultTimeout bounds a single request when Request.Timeout is zero.
	DefaultTimeout = 30 * time.Second
)

// Config holds configuration for the request engine
type Config struct {
	// BaseURL is the scheme and host of the service, e.g. "https://files.example.com"
	BaseURL string

	// APIRoot is the path prefix in front of every endpoint (default: "/api")
	APIRoot string

	// Timeout is the default per-request bound (default: 30s)
	Timeout time.Duration
}

// DefaultConfig returns default client configuration
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		APIRoot: DefaultAPIRoot,
		Timeout: DefaultTimeout,
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHooks sets the observability hooks.
func WithHooks(h observability.Hooks) Option {
	return func(c *Client) { c.hooks = observability.OrNoop(h) }
}

// Client sends requests to the service API.
type Client struct {
	httpClient *http.Client
	config     Config
	token      credential.Accessor
	logger     *slog.Logger
	hooks      observability.Hooks

	// afterFunc arms the per-request timer; tests replace it.
	afterFunc func(time.Duration, func()) *time.Timer
}

// New creates a request engine. token is read once per request; a nil
// accessor makes the client anonymous.
func New(config Config, token credential.Accessor, opts ...Option) *Client {
	if config.APIRoot == "" {
		config.APIRoot = DefaultAPIRoot
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if token == nil {
		token = credential.None
	}

	c := &Client{
		httpClient: httpclient.NewDefault(),
		config:     config,
		token:      token,
		logger:     slog.Default(),
		hooks:      observability.Noop{},
		afterFunc:  time.AfterFunc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}

// URL returns the absolute URL for an API path.
func (c *Client) URL(path string) string {
	return c.config.BaseURL + c.config.APIRoot + path
}

// Token returns the current credential, or "".
func (c *Client) Token() string {
	return c.token()
}

// HTTPClient returns the underlying transport client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Request describes a single API call.
type Request struct {
	Method string
	Path   string
	// Params are encoded into the query string; nil values are skipped.
	Params map[string]any
	// Body is JSON-marshaled unless it is a Payload, which supplies its own
	// bytes and content type.
	Body any
	// Headers override the defaults. An empty value removes the header.
	Headers map[string]string
	// Timeout overrides the client default for this request.
	Timeout time.Duration
}

// Response is a completed 2xx exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsJSON reports whether the response declared a JSON content type.
func (r *Response) IsJSON() bool {
	return isJSONContentType(r.Header.Get("Content-Type"))
}

// Decode unmarshals a JSON response into v.
func (r *Response) Decode(v any) error {
	if !r.IsJSON() {
		return core.NewDecodeError("response is not JSON: "+r.Header.Get("Content-Type"), nil)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return core.NewDecodeError("failed to decode response: "+err.Error(), err)
	}
	return nil
}

func isJSONContentType(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "application/json")
}

// Do sends req and, when the response is JSON and out is non-nil, decodes it
// into out. Non-JSON responses are returned untouched for the caller to use.
func (c *Client) Do(ctx context.Context, req Request, out any) (*Response, error) {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if out != nil && resp.IsJSON() && len(resp.Body) > 0 {
		if err := resp.Decode(out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// Send performs the exchange and reads the full body. The timeout covers the
// whole exchange, body included.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	ex, err := c.start(ctx, req)
	if err != nil {
		return nil, err
	}
	defer ex.finish()

	body, err := io.ReadAll(ex.resp.Body)
	_ = ex.resp.Body.Close()
	if err != nil {
		return nil, ex.fail(err)
	}
	ex.record(ex.resp.StatusCode, "")

	return &Response{
		StatusCode: ex.resp.StatusCode,
		Header:     ex.resp.Header,
		Body:       body,
	}, nil
}

// SendRaw performs the exchange and hands back the live response once
// headers arrive, for callers that stream or forward bytes. The timeout is
// cleared as soon as headers are received; closing the body releases the
// request context.
func (c *Client) SendRaw(ctx context.Context, req Request) (*http.Response, error) {
	ex, err := c.start(ctx, req)
	if err != nil {
		return nil, err
	}
	ex.timer.Stop()
	ex.record(ex.resp.StatusCode, "")

	ex.resp.Body = &cancelOnClose{ReadCloser: ex.resp.Body, cancel: ex.cancel}
	return ex.resp, nil
}

// Get issues a GET with params encoded into the query string.
func (c *Client) Get(ctx context.Context, path string, params map[string]any, out any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Params: params}, out)
}

// Post issues a POST. A structured body is sent as JSON; a Payload such as a
// *Form is passed through with its own content type.
func (c *Client) Post(ctx context.Context, path string, body any, out any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any, out any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body}, out)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string, out any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path}, out)
}

// exchange tracks one in-flight request and its timeout timer.
type exchange struct {
	c        *Client
	method   string
	started  time.Time
	parent   context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	timedOut *atomic.Bool
	resp     *http.Response
}

// start builds and sends the request, returning once headers arrive. Non-2xx
// responses are consumed and converted into errors here.
func (c *Client) start(parent context.Context, req Request) (*exchange, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}

	ctx, cancel := context.WithCancel(parent)
	timedOut := &atomic.Bool{}
	timer := c.afterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	ex := &exchange{
		c:        c,
		method:   req.Method,
		started:  time.Now(),
		parent:   parent,
		cancel:   cancel,
		timer:    timer,
		timedOut: timedOut,
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		ex.finish()
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cerr := ex.fail(err)
		ex.finish()
		return nil, cerr
	}
	decodeBody(resp)
	ex.resp = resp

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer ex.finish()
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			body = nil
		}
		herr := core.ParseHTTPError(resp.StatusCode, StatusText(resp), body)
		herr.RetryAfter = core.ParseRetryAfter(resp.Header)
		ex.record(resp.StatusCode, core.KindHTTP)
		c.logger.Debug("request failed",
			"method", req.Method,
			"path", req.Path,
			"status", resp.StatusCode,
			"message", herr.Message,
		)
		return nil, herr
	}

	return ex, nil
}

// finish stops the timer and releases the request context.
func (ex *exchange) finish() {
	ex.timer.Stop()
	ex.cancel()
}

// fail classifies a transport error. The request timer and the parent
// context take precedence over whatever the transport reported.
func (ex *exchange) fail(err error) error {
	var cerr *core.ClientError
	switch {
	case ex.timedOut.Load():
		cerr = core.NewTimeoutError(err)
	case ex.parent.Err() != nil:
		if errors.Is(ex.parent.Err(), context.DeadlineExceeded) {
			cerr = core.NewTimeoutError(err)
		} else {
			cerr = core.NewCancelledError("", err)
		}
	default:
		cerr = core.NewTransportError(err)
	}
	ex.record(0, cerr.Kind)
	ex.c.logger.Debug("request error", "method", ex.method, "kind", cerr.Kind, "error", err)
	return cerr
}

func (ex *exchange) record(status int, kind core.ErrorKind) {
	ex.c.hooks.RequestDone(ex.method, status, kind, time.Since(ex.started))
}

// buildRequest creates an HTTP request from a Request
func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	target := c.URL(req.Path)
	if q := EncodeParams(req.Params); q != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + q
	}

	var (
		bodyReader    io.Reader
		contentLength int64 = -1
		contentType         = "application/json"
	)
	switch body := req.Body.(type) {
	case nil:
	case Payload:
		r, n, err := body.Open()
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to open request body", err)
		}
		bodyReader, contentLength = r, n
		contentType = body.ContentType()
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to marshal request", err)
		}
		bodyReader = bytes.NewReader(data)
		contentLength = int64(len(data))
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to create request", err)
	}
	if contentLength >= 0 {
		httpReq.ContentLength = contentLength
	}

	c.applyHeaders(httpReq.Header, contentType, req.Headers)
	return httpReq, nil
}

// applyHeaders merges defaults, caller overrides and the bearer token, in
// that order of precedence.
func (c *Client) applyHeaders(h http.Header, contentType string, overrides map[string]string) {
	h.Set("Content-Type", contentType)
	h.Set("Accept-Encoding", acceptEncoding)

	for key, value := range overrides {
		if value == "" {
			h.Del(key)
			continue
		}
		h.Set(key, value)
	}

	if token := c.token(); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

// StatusText returns the reason phrase the server sent with resp, falling
// back to the standard text for its code.
func StatusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		return http.StatusText(resp.StatusCode)
	}
	return text
}

// cancelOnClose releases the request context when a raw body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
