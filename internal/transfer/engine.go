// Package transfer moves file bytes to and from the service with progress
// tracking and cancellation. Every transfer is a Task with a forward-only
// lifecycle: pending, in_progress, then exactly one of completed, failed or
// cancelled.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"transferclient/internal/apiclient"
	"transferclient/internal/core"
	"transferclient/internal/observability"
)

const (
	// DefaultUploadPath is the multipart upload endpoint under the API root.
	DefaultUploadPath = "/files/upload"
	// DefaultDownloadPath is the download endpoint; %s is the escaped file id.
	DefaultDownloadPath = "/files/%s/download"
	// DefaultFieldName is the multipart field carrying the file.
	DefaultFieldName = "file"
)

var filenamePattern = regexp.MustCompile(`filename="(.+)"`)

// Config holds the transfer endpoints.
type Config struct {
	UploadPath   string
	DownloadPath string
	FieldName    string
}

// DefaultConfig returns the standard file endpoints.
func DefaultConfig() Config {
	return Config{
		UploadPath:   DefaultUploadPath,
		DownloadPath: DefaultDownloadPath,
		FieldName:    DefaultFieldName,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithConfig overrides the endpoints. Empty fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		if cfg.UploadPath != "" {
			e.config.UploadPath = cfg.UploadPath
		}
		if cfg.DownloadPath != "" {
			e.config.DownloadPath = cfg.DownloadPath
		}
		if cfg.FieldName != "" {
			e.config.FieldName = cfg.FieldName
		}
	}
}

// WithLogger sets the logger for transfer outcomes.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHooks sets the observability hooks.
func WithHooks(h observability.Hooks) Option {
	return func(e *Engine) { e.hooks = observability.OrNoop(h) }
}

// Engine starts upload and download tasks. It shares base URL, credential
// and transport with the request engine it was built from. Transfers have no
// built-in timeout; bound them with the context passed to Start.
type Engine struct {
	api    *apiclient.Client
	config Config
	logger *slog.Logger
	hooks  observability.Hooks
}

// New creates a transfer engine on top of api.
func New(api *apiclient.Client, opts ...Option) *Engine {
	e := &Engine{
		api:    api,
		config: DefaultConfig(),
		logger: slog.Default(),
		hooks:  observability.Noop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewUpload creates a pending upload task. Start it with Task.Start.
func (e *Engine) NewUpload(file File, onProgress ProgressFunc) (*Task, error) {
	if err := file.validate(); err != nil {
		return nil, core.NewInvalidRequestError(err.Error(), err)
	}
	t := newTask(core.DirectionUpload, file.Name, onProgress, e.uploadRun(file))
	t.finished = e.taskFinished(time.Now())
	return t, nil
}

// Upload sends file as multipart form data and returns the running task.
func (e *Engine) Upload(ctx context.Context, file File, onProgress ProgressFunc) (*Task, error) {
	t, err := e.NewUpload(file, onProgress)
	if err != nil {
		return nil, err
	}
	t.Start(ctx)
	return t, nil
}

// NewDownload creates a pending download task. With a nil w the content is
// buffered into Result.Content; otherwise it is streamed to w.
func (e *Engine) NewDownload(fileID string, w io.Writer, onProgress ProgressFunc) (*Task, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, core.NewInvalidRequestError("file id is required", nil)
	}
	t := newTask(core.DirectionDownload, fileID, onProgress, e.downloadRun(fileID, w))
	t.finished = e.taskFinished(time.Now())
	return t, nil
}

// Download fetches a file into memory and returns the running task.
func (e *Engine) Download(ctx context.Context, fileID string, onProgress ProgressFunc) (*Task, error) {
	return e.DownloadTo(ctx, fileID, nil, onProgress)
}

// DownloadTo streams a file into w and returns the running task.
func (e *Engine) DownloadTo(ctx context.Context, fileID string, w io.Writer, onProgress ProgressFunc) (*Task, error) {
	t, err := e.NewDownload(fileID, w, onProgress)
	if err != nil {
		return nil, err
	}
	t.Start(ctx)
	return t, nil
}

func (e *Engine) uploadRun(file File) runFunc {
	return func(ctx context.Context, t *Task) (*Result, error) {
		payload := &countingWriter{h: xxhash.New()}
		body, contentType, total, err := multipartBody(e.config.FieldName, file, payload)
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to encode upload", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.api.URL(e.config.UploadPath),
			&countingReader{r: body, total: total, fn: t.report})
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to create request", err)
		}
		req.ContentLength = total
		req.Header.Set("Content-Type", contentType)
		e.authorize(req)

		resp, err := e.api.HTTPClient().Do(req)
		if err != nil {
			return nil, core.NewTransportError(err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, core.NewTransportError(err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, core.ParseHTTPError(resp.StatusCode, apiclient.StatusText(resp), data)
		}

		result := &Result{Bytes: payload.n, Digest: payload.h.Sum64()}
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			result.Value = v
		} else {
			result.Raw = string(data)
		}
		return result, nil
	}
}

func (e *Engine) downloadRun(fileID string, w io.Writer) runFunc {
	return func(ctx context.Context, t *Task) (*Result, error) {
		path := fmt.Sprintf(e.config.DownloadPath, url.PathEscape(fileID))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.api.URL(path), nil)
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to create request", err)
		}
		e.authorize(req)

		resp, err := e.api.HTTPClient().Do(req)
		if err != nil {
			return nil, core.NewTransportError(err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, core.NewHTTPError(resp.StatusCode, apiclient.StatusText(resp))
		}

		var buf *bytes.Buffer
		if w == nil {
			buf = &bytes.Buffer{}
			w = buf
		}
		payload := &countingWriter{h: xxhash.New()}
		body := &countingReader{r: resp.Body, total: resp.ContentLength, fn: t.report}
		if _, err := io.Copy(io.MultiWriter(w, payload), body); err != nil {
			return nil, core.NewTransportError(err)
		}

		result := &Result{
			Filename:    FilenameFromHeader(resp.Header, fileID),
			ContentType: resp.Header.Get("Content-Type"),
			Bytes:       payload.n,
			Digest:      payload.h.Sum64(),
		}
		if buf != nil {
			result.Content = buf.Bytes()
		}
		return result, nil
	}
}

func (e *Engine) authorize(req *http.Request) {
	if token := e.api.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (e *Engine) taskFinished(created time.Time) func(*Task) {
	return func(t *Task) {
		t.mu.Lock()
		status, result, err, n := t.status, t.result, t.err, t.progress.Loaded
		t.mu.Unlock()
		if result != nil {
			n = result.Bytes
		}
		e.hooks.TransferDone(t.Direction(), status, n)

		attrs := []any{
			"id", t.ID(),
			"direction", t.Direction(),
			"target", t.Target(),
			"status", status,
			"bytes", n,
			"elapsed", time.Since(created),
		}
		if status == core.StatusFailed {
			e.logger.Warn("transfer failed", append(attrs, "error", err)...)
			return
		}
		e.logger.Info("transfer finished", attrs...)
	}
}

// multipartBody streams file as a single-part form. The framing is rendered
// up front so the total length is known whenever the file size is.
func multipartBody(field string, file File, payload io.Writer) (io.Reader, string, int64, error) {
	var frame bytes.Buffer
	mw := multipart.NewWriter(&frame)
	if _, err := mw.CreateFormFile(field, file.Name); err != nil {
		return nil, "", 0, err
	}
	head := append([]byte(nil), frame.Bytes()...)

	frame.Reset()
	if err := mw.Close(); err != nil {
		return nil, "", 0, err
	}
	tail := append([]byte(nil), frame.Bytes()...)

	total := int64(-1)
	if file.Size > 0 {
		total = int64(len(head)) + file.Size + int64(len(tail))
	}
	body := io.MultiReader(
		bytes.NewReader(head),
		io.TeeReader(file.Reader, payload),
		bytes.NewReader(tail),
	)
	return body, mw.FormDataContentType(), total, nil
}

// FilenameFromHeader extracts the quoted filename from Content-Disposition,
// falling back to "file_<id>".
func FilenameFromHeader(h http.Header, fileID string) string {
	if m := filenamePattern.FindStringSubmatch(h.Get("Content-Disposition")); m != nil {
		return m[1]
	}
	return "file_" + fileID
}
