package transfer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferclient/internal/apiclient"
	"transferclient/internal/core"
	"transferclient/internal/credential"
)

type progressCall struct {
	percent float64
	loaded  int64
	total   int64
}

type progressRecorder struct {
	mu    sync.Mutex
	calls []progressCall
}

func (r *progressRecorder) record(percent float64, loaded, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, progressCall{percent, loaded, total})
}

func (r *progressRecorder) snapshot() []progressCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progressCall(nil), r.calls...)
}

type transferHooks struct {
	mu       sync.Mutex
	statuses []core.TransferStatus
}

func (h *transferHooks) RequestDone(string, int, core.ErrorKind, time.Duration) {}
func (h *transferHooks) RetryScheduled(int, time.Duration, core.ErrorKind) {}
func (h *transferHooks) QueueSize(int) {}

func (h *transferHooks) TransferDone(_ core.Direction, status core.TransferStatus, _ int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
}

func newEngine(t *testing.T, server *httptest.Server, token string, opts ...Option) *Engine {
	t.Helper()
	accessor := credential.None
	if token != "" {
		accessor = credential.Static(token)
	}
	api := apiclient.New(apiclient.DefaultConfig(server.URL), accessor, apiclient.WithHTTPClient(server.Client()))
	return New(api, opts...)
}

func waitTask(t *testing.T, task *Task) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "task did not finish")
	return result, err
}

func TestTask_ReportsPercentLoadedTotal(t *testing.T) {
	rec := &progressRecorder{}
	task := newTask(core.DirectionUpload, "a.txt", rec.record, nil)
	task.setStatus(core.StatusInProgress)

	task.report(50, 100)

	assert.Equal(t, []progressCall{{50, 50, 100}}, rec.snapshot())
	assert.Equal(t, core.Progress{Loaded: 50, Total: 100}, task.Progress())
}

func TestTask_ReportUnknownTotalSkipsCallback(t *testing.T) {
	rec := &progressRecorder{}
	task := newTask(core.DirectionDownload, "abc", rec.record, nil)
	task.setStatus(core.StatusInProgress)

	task.report(10, -1)

	assert.Empty(t, rec.snapshot())
	assert.Equal(t, int64(10), task.Progress().Loaded)
}

func TestTask_ProgressNeverDecreases(t *testing.T) {
	rec := &progressRecorder{}
	task := newTask(core.DirectionUpload, "a.txt", rec.record, nil)
	task.setStatus(core.StatusInProgress)

	task.report(60, 100)
	task.report(40, 100)

	assert.Len(t, rec.snapshot(), 1)
	assert.Equal(t, int64(60), task.Progress().Loaded)
}

func TestTask_NoProgressAfterTerminal(t *testing.T) {
	rec := &progressRecorder{}
	task := newTask(core.DirectionUpload, "a.txt", rec.record, nil)
	task.setStatus(core.StatusInProgress)
	task.finish(&Result{}, nil)

	task.report(100, 100)
	task.setStatus(core.StatusInProgress)

	assert.Empty(t, rec.snapshot())
	assert.Equal(t, core.StatusCompleted, task.Status())
}

func TestTask_FinishOnce(t *testing.T) {
	task := newTask(core.DirectionUpload, "a.txt", nil, nil)
	calls := 0
	task.finished = func(*Task) { calls++ }

	task.finish(nil, core.NewNetworkError(nil))
	task.finish(&Result{}, nil)
	task.Cancel()

	assert.Equal(t, 1, calls)
	assert.Equal(t, core.StatusFailed, task.Status())
	assert.Equal(t, core.KindNetwork, core.KindOf(task.Err()))
}

func TestTask_ProgressCallbackMayWaitOnTask(t *testing.T) {
	entered := make(chan struct{})
	waited := make(chan error, 1)
	var task *Task
	task = newTask(core.DirectionUpload, "a.txt", func(float64, int64, int64) {
		close(entered)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := task.Wait(ctx)
		waited <- err
	}, func(ctx context.Context, t *Task) (*Result, error) {
		// progress arrives from a writer goroutine, as with a request body
		go t.report(1, 10)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	task.Start(context.Background())

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("progress callback never ran")
	}
	task.Cancel()

	select {
	case err := <-waited:
		assert.True(t, core.IsCancelled(err), "expected cancellation, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("callback waiting on its task never returned")
	}
	assert.Equal(t, core.StatusCancelled, task.Status())
}

func TestTask_CancelPending(t *testing.T) {
	ran := false
	task := newTask(core.DirectionDownload, "abc", nil, func(context.Context, *Task) (*Result, error) {
		ran = true
		return &Result{}, nil
	})

	task.Cancel()
	task.Start(context.Background())

	select {
	case <-task.Done():
	default:
		t.Fatal("pending cancel should finish immediately")
	}
	assert.False(t, ran)
	assert.Equal(t, core.StatusCancelled, task.Status())
	assert.Equal(t, "Download cancelled", task.Err().Error())

	var last Event
	for ev := range task.Events() {
		last = ev
	}
	assert.Equal(t, core.StatusCancelled, last.Status)
}

func TestEngine_Upload(t *testing.T) {
	content := strings.Repeat("0123456789", 1000)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/files/upload", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Positive(t, r.ContentLength)

		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "notes.txt", hdr.Filename)
		assert.Equal(t, content, string(data))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"file_id":7,"filename":"notes.txt","size":10000,"status":"uploaded","upload_time":"2026-01-02T03:04:05Z"}`)
	}))
	defer server.Close()

	hooks := &transferHooks{}
	engine := newEngine(t, server, "tok", WithHooks(hooks))
	rec := &progressRecorder{}

	task, err := engine.Upload(context.Background(), File{
		Name:   "notes.txt",
		Size:   int64(len(content)),
		Reader: strings.NewReader(content),
	}, rec.record)
	require.NoError(t, err)
	assert.Equal(t, core.DirectionUpload, task.Direction())
	assert.Equal(t, "notes.txt", task.Target())
	assert.NotEmpty(t, task.ID())

	result, err := waitTask(t, task)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, task.Status())

	obj, ok := result.Object()
	require.True(t, ok)
	resp, err := core.DecodeUploadResponse(obj)
	require.NoError(t, err)
	assert.Equal(t, 7, resp.FileID)

	assert.Equal(t, int64(len(content)), result.Bytes)
	assert.Equal(t, xxhash.Sum64String(content), result.Digest)

	calls := rec.snapshot()
	require.NotEmpty(t, calls)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].loaded, calls[i-1].loaded)
	}
	last := calls[len(calls)-1]
	assert.Equal(t, last.total, last.loaded)
	assert.InDelta(t, 100, last.percent, 0.001)

	assert.Equal(t, []core.TransferStatus{core.StatusCompleted}, hooks.statuses)
}

func TestEngine_UploadWithoutToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.Header["Authorization"]
		assert.False(t, present)
		_, _ = io.WriteString(w, "stored")
	}))
	defer server.Close()

	engine := newEngine(t, server, "")
	task, err := engine.Upload(context.Background(), File{Name: "a.bin", Reader: bytes.NewReader([]byte{1, 2, 3})}, nil)
	require.NoError(t, err)

	result, err := waitTask(t, task)
	require.NoError(t, err)
	assert.Nil(t, result.Value)
	assert.Equal(t, "stored", result.Raw)
}

func TestEngine_UploadHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = io.WriteString(w, `{"detail":"File too large"}`)
	}))
	defer server.Close()

	engine := newEngine(t, server, "tok")
	task, err := engine.Upload(context.Background(), File{Name: "big.bin", Size: 4, Reader: strings.NewReader("data")}, nil)
	require.NoError(t, err)

	_, err = waitTask(t, task)
	require.Error(t, err)
	assert.Equal(t, core.StatusFailed, task.Status())
	assert.Equal(t, "File too large", err.Error())
	assert.Equal(t, http.StatusRequestEntityTooLarge, core.StatusOf(err))
	ce, ok := core.AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, "File too large", ce.Data["detail"])
}

func TestEngine_UploadCancelMidFlight(t *testing.T) {
	received := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		close(received)
		<-r.Context().Done()
	}))
	defer server.Close()

	engine := newEngine(t, server, "tok")
	task, err := engine.Upload(context.Background(), File{Name: "a.txt", Size: 5, Reader: strings.NewReader("hello")}, nil)
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never reached the server")
	}
	task.Cancel()

	_, err = waitTask(t, task)
	require.Error(t, err)
	assert.Equal(t, core.StatusCancelled, task.Status())
	assert.Equal(t, core.KindCancelled, core.KindOf(err))
	assert.Equal(t, "Upload cancelled", err.Error())
}

func TestEngine_UploadParentContextCancelled(t *testing.T) {
	received := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		close(received)
		<-r.Context().Done()
	}))
	defer server.Close()

	engine := newEngine(t, server, "")
	ctx, cancel := context.WithCancel(context.Background())
	task, err := engine.Upload(ctx, File{Name: "a.txt", Size: 1, Reader: strings.NewReader("x")}, nil)
	require.NoError(t, err)

	<-received
	cancel()

	_, err = waitTask(t, task)
	assert.True(t, core.IsCancelled(err))
}

func TestEngine_UploadNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	engine := newEngine(t, server, "")
	server.Close()

	task, err := engine.Upload(context.Background(), File{Name: "a.txt", Size: 1, Reader: strings.NewReader("x")}, nil)
	require.NoError(t, err)

	_, err = waitTask(t, task)
	require.Error(t, err)
	assert.Equal(t, core.StatusFailed, task.Status())
	assert.Equal(t, core.KindNetwork, core.KindOf(err))
	assert.Equal(t, "Network error", err.Error())
}

func TestEngine_InvalidInput(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	engine := newEngine(t, server, "")

	_, err := engine.Upload(context.Background(), File{Name: "a.txt"}, nil)
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))

	_, err = engine.Download(context.Background(), "  ", nil)
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
}

func TestEngine_Download(t *testing.T) {
	content := bytes.Repeat([]byte("abcdef"), 500)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/files/f-1/download", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(content)
	}))
	defer server.Close()

	engine := newEngine(t, server, "tok")
	rec := &progressRecorder{}
	task, err := engine.Download(context.Background(), "f-1", rec.record)
	require.NoError(t, err)

	result, err := waitTask(t, task)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, task.Status())
	assert.Equal(t, content, result.Content)
	assert.Equal(t, "report.pdf", result.Filename)
	assert.Equal(t, "application/pdf", result.ContentType)
	assert.Equal(t, int64(len(content)), result.Bytes)
	assert.Equal(t, xxhash.Sum64(content), result.Digest)

	calls := rec.snapshot()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, progressCall{100, int64(len(content)), int64(len(content))}, last)
}

func TestEngine_DownloadTo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "streamed")
	}))
	defer server.Close()

	engine := newEngine(t, server, "")
	var out bytes.Buffer
	task, err := engine.DownloadTo(context.Background(), "xyz", &out, nil)
	require.NoError(t, err)

	result, err := waitTask(t, task)
	require.NoError(t, err)
	assert.Equal(t, "streamed", out.String())
	assert.Nil(t, result.Content)
	assert.Equal(t, "file_xyz", result.Filename)
}

func TestEngine_DownloadHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"missing"}`)
	}))
	defer server.Close()

	engine := newEngine(t, server, "")
	task, err := engine.Download(context.Background(), "gone", nil)
	require.NoError(t, err)

	_, err = waitTask(t, task)
	require.Error(t, err)
	assert.Equal(t, core.StatusFailed, task.Status())
	assert.Equal(t, http.StatusNotFound, core.StatusOf(err))
	assert.Equal(t, "HTTP 404: Not Found", err.Error())
}

func TestEngine_DownloadCancelMidFlight(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(make([]byte, 100))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	engine := newEngine(t, server, "")
	firstProgress := make(chan struct{})
	var once sync.Once
	task, err := engine.Download(context.Background(), "slow", func(float64, int64, int64) {
		once.Do(func() { close(firstProgress) })
	})
	require.NoError(t, err)

	select {
	case <-firstProgress:
	case <-time.After(5 * time.Second):
		t.Fatal("no progress before cancel")
	}
	task.Cancel()

	_, err = waitTask(t, task)
	require.Error(t, err)
	assert.Equal(t, core.StatusCancelled, task.Status())
	assert.Equal(t, "Download cancelled", err.Error())

	p := task.Progress()
	assert.Equal(t, int64(1000), p.Total)
	assert.Less(t, p.Loaded, p.Total)
}

func TestEngine_EventsEndWithTerminalStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer server.Close()

	engine := newEngine(t, server, "")
	task, err := engine.Download(context.Background(), "f", nil)
	require.NoError(t, err)

	var last Event
	for ev := range task.Events() {
		last = ev
	}
	assert.Equal(t, core.StatusCompleted, last.Status)
	assert.InDelta(t, 1.0, last.Fraction(), 0.0001)
}

func TestEngine_CustomPaths(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/blobs/a%2Fb", r.URL.EscapedPath())
		_, _ = io.WriteString(w, "ok")
	}))
	defer server.Close()

	engine := newEngine(t, server, "", WithConfig(Config{DownloadPath: "/v2/blobs/%s"}))
	task, err := engine.Download(context.Background(), "a/b", nil)
	require.NoError(t, err)
	_, err = waitTask(t, task)
	require.NoError(t, err)
}

func TestFilenameFromHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"quoted", `attachment; filename="data.csv"`, "data.csv"},
		{"spaces", `attachment; filename="my report.pdf"`, "my report.pdf"},
		{"unquoted", `attachment; filename=data.csv`, "file_42"},
		{"missing", "", "file_42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Content-Disposition", tt.header)
			}
			assert.Equal(t, tt.want, FilenameFromHeader(h, "42"))
		})
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/hello.txt"
	require.NoError(t, writeFile(path, "hello"))

	file, closer, err := Open(path)
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, "hello.txt", file.Name)
	assert.Equal(t, int64(5), file.Size)

	_, _, err = Open(dir)
	assert.Error(t, err)
	_, _, err = Open(dir + "/missing")
	assert.Error(t, err)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
