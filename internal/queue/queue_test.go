package queue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferclient/internal/apiclient"
	"transferclient/internal/core"
	"transferclient/internal/credential"
	"transferclient/internal/transfer"
)

// uploadServer answers uploads by file name: "slow*" blocks until the client
// goes away, "fail*" gets a 500, everything else succeeds.
type uploadServer struct {
	*httptest.Server
	hits     atomic.Int32
	received chan string
}

func newUploadServer(t *testing.T) *uploadServer {
	t.Helper()
	s := &uploadServer{received: make(chan string, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		_, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.received <- hdr.Filename
		switch {
		case strings.HasPrefix(hdr.Filename, "slow"):
			<-r.Context().Done()
		case strings.HasPrefix(hdr.Filename, "fail"):
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"file_id":1,"filename":"`+hdr.Filename+`","status":"uploaded"}`)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *uploadServer) engine() *transfer.Engine {
	api := apiclient.New(apiclient.DefaultConfig(s.URL), credential.Static("tok"), apiclient.WithHTTPClient(s.Client()))
	return transfer.New(api)
}

func (s *uploadServer) awaitReceived(t *testing.T, name string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-s.received:
			if got == name {
				return
			}
		case <-timeout:
			t.Fatalf("server never received %s", name)
		}
	}
}

func file(name string) transfer.File {
	return transfer.File{Name: name, Size: 4, Reader: strings.NewReader("data")}
}

func waitTask(t *testing.T, task *transfer.Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not finish", task.Target())
	}
}

func waitQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

type finalizeRecorder struct {
	mu    sync.Mutex
	items []Item
}

func (r *finalizeRecorder) record(item Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
}

func (r *finalizeRecorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.items {
		if it.ID == id {
			n++
		}
	}
	return n
}

func TestQueue_AddIsIdempotent(t *testing.T) {
	server := newUploadServer(t)
	engine := server.engine()
	q := New(engine)

	task, err := engine.NewUpload(file("a.txt"), nil)
	require.NoError(t, err)

	assert.True(t, q.Add(task))
	assert.False(t, q.Add(task))
	assert.Equal(t, 1, q.Len())

	got, ok := q.Get(task.ID())
	require.True(t, ok)
	assert.Same(t, task, got)

	_, ok = q.Get("missing")
	assert.False(t, ok)

	task.Cancel()
	waitQueue(t, q)
}

func TestQueue_CancelAllLeavesTerminalTasksUntouched(t *testing.T) {
	server := newUploadServer(t)
	rec := &finalizeRecorder{}
	q := New(server.engine(), OnFinalize(rec.record))
	ctx := context.Background()

	tasks, err := q.Enqueue(ctx, file("done.txt"), file("fail.txt"))
	require.NoError(t, err)
	done, failed := tasks[0], tasks[1]
	waitTask(t, done)
	waitTask(t, failed)

	slowTasks, err := q.Enqueue(ctx, file("slow.txt"))
	require.NoError(t, err)
	slow := slowTasks[0]
	server.awaitReceived(t, "slow.txt")
	assert.Equal(t, core.StatusInProgress, slow.Status())

	assert.Equal(t, 1, q.CancelAll())
	waitQueue(t, q)

	assert.Equal(t, core.StatusCompleted, done.Status())
	assert.Equal(t, core.StatusFailed, failed.Status())
	assert.Equal(t, core.StatusCancelled, slow.Status())
	assert.True(t, core.IsCancelled(slow.Err()))

	assert.Equal(t, 0, q.CancelAll())
	assert.Equal(t, 0, q.Active())
	done.Cancel()
	assert.Equal(t, core.StatusCompleted, done.Status())
	for _, task := range []*transfer.Task{done, failed, slow} {
		assert.Equal(t, 1, rec.count(task.ID()), "finalized once: %s", task.Target())
	}
}

func TestQueue_Snapshot(t *testing.T) {
	server := newUploadServer(t)
	q := New(server.engine())

	tasks, err := q.Enqueue(context.Background(), file("one.txt"), file("two.txt"))
	require.NoError(t, err)
	waitQueue(t, q)

	items := q.Snapshot()
	require.Len(t, items, 2)
	assert.Equal(t, tasks[0].ID(), items[0].ID)
	assert.Equal(t, "one.txt", items[0].Target)
	assert.Equal(t, "two.txt", items[1].Target)
	for _, it := range items {
		assert.Equal(t, core.DirectionUpload, it.Direction)
		assert.Equal(t, core.StatusCompleted, it.Status)
		assert.NoError(t, it.Err)
		assert.Equal(t, it.Progress.Total, it.Progress.Loaded)
	}
}

// cancelOnCleanup cancels every task in q before earlier cleanups, such as
// closing the server, run.
func cancelOnCleanup(t *testing.T, q *Queue) {
	t.Cleanup(func() { q.CancelAll() })
}

func TestQueue_LimitKeepsExtraTasksPending(t *testing.T) {
	server := newUploadServer(t)
	q := New(server.engine(), WithLimit(1))
	cancelOnCleanup(t, q)

	tasks, err := q.Enqueue(context.Background(), file("slow-1.txt"), file("slow-2.txt"))
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	server.awaitReceived(t, "slow-1.txt")
	assert.Equal(t, core.StatusPending, tasks[1].Status())

	assert.Equal(t, 2, q.CancelAll())
	waitQueue(t, q)

	assert.Equal(t, core.StatusCancelled, tasks[0].Status())
	assert.Equal(t, core.StatusCancelled, tasks[1].Status())
	assert.Equal(t, int32(1), server.hits.Load())
}

func TestQueue_LimitStartsTasksInOrder(t *testing.T) {
	server := newUploadServer(t)
	q := New(server.engine(), WithLimit(1))
	cancelOnCleanup(t, q)

	tasks, err := q.Enqueue(context.Background(), file("slow-1.txt"), file("a.txt"), file("b.txt"), file("slow-2.txt"))
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	server.awaitReceived(t, "slow-1.txt")
	for _, task := range tasks[1:] {
		assert.Equal(t, core.StatusPending, task.Status(), task.Target())
	}

	tasks[0].Cancel()
	waitTask(t, tasks[1])
	waitTask(t, tasks[2])
	server.awaitReceived(t, "slow-2.txt")

	assert.Equal(t, core.StatusCancelled, tasks[0].Status())
	assert.Equal(t, core.StatusCompleted, tasks[1].Status())
	assert.Equal(t, core.StatusCompleted, tasks[2].Status())
	assert.Equal(t, core.StatusInProgress, tasks[3].Status())
	assert.Equal(t, int32(4), server.hits.Load())
}

func TestQueue_LimitSkipsTasksCancelledWhilePending(t *testing.T) {
	server := newUploadServer(t)
	q := New(server.engine(), WithLimit(1))
	cancelOnCleanup(t, q)

	tasks, err := q.Enqueue(context.Background(), file("slow-1.txt"), file("skipped.txt"), file("a.txt"))
	require.NoError(t, err)
	server.awaitReceived(t, "slow-1.txt")

	tasks[1].Cancel()
	tasks[0].Cancel()
	waitTask(t, tasks[2])

	assert.Equal(t, core.StatusCancelled, tasks[1].Status())
	assert.Equal(t, core.StatusCompleted, tasks[2].Status())
	assert.Equal(t, int32(2), server.hits.Load())
}

func TestQueue_LimitCancelsPendingOnContextDone(t *testing.T) {
	server := newUploadServer(t)
	q := New(server.engine(), WithLimit(1))
	cancelOnCleanup(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	tasks, err := q.Enqueue(ctx, file("slow-1.txt"), file("slow-2.txt"))
	require.NoError(t, err)
	server.awaitReceived(t, "slow-1.txt")

	cancel()
	waitQueue(t, q)

	for _, task := range tasks {
		assert.Equal(t, core.StatusCancelled, task.Status(), task.Target())
	}
	assert.Equal(t, int32(1), server.hits.Load())
}

func TestQueue_EnqueueReportsInvalidFiles(t *testing.T) {
	server := newUploadServer(t)
	q := New(server.engine())

	tasks, err := q.Enqueue(context.Background(), transfer.File{Name: "empty"}, file("ok.txt"))
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidRequest, core.KindOf(err))
	require.Len(t, tasks, 1)
	assert.Equal(t, "ok.txt", tasks[0].Target())
	waitQueue(t, q)
}

func TestQueue_EnqueueWithoutEngine(t *testing.T) {
	_, err := New(nil).Enqueue(context.Background(), file("a.txt"))
	assert.Error(t, err)
}

func TestQueue_Clear(t *testing.T) {
	server := newUploadServer(t)
	q := New(server.engine())

	_, err := q.Enqueue(context.Background(), file("a.txt"))
	require.NoError(t, err)
	waitQueue(t, q)

	pending, err := server.engine().NewUpload(file("b.txt"), nil)
	require.NoError(t, err)
	q.Add(pending)

	assert.Equal(t, 1, q.Clear())
	assert.Equal(t, 1, q.Len())
	_, ok := q.Get(pending.ID())
	assert.True(t, ok)

	pending.Cancel()
	waitQueue(t, q)
}

func TestQueue_ClearedTaskIsNotFinalizedAgain(t *testing.T) {
	server := newUploadServer(t)
	rec := &finalizeRecorder{}
	q := New(server.engine(), OnFinalize(rec.record))

	tasks, err := q.Enqueue(context.Background(), file("a.txt"))
	require.NoError(t, err)
	waitQueue(t, q)
	require.Equal(t, 1, q.Clear())

	assert.False(t, q.Add(tasks[0]))
	waitQueue(t, q)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, rec.count(tasks[0].ID()))
}

func TestQueue_WaitHonorsContext(t *testing.T) {
	server := newUploadServer(t)
	q := New(server.engine())

	pending, err := server.engine().NewUpload(file("never.txt"), nil)
	require.NoError(t, err)
	q.Add(pending)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Wait(ctx), context.DeadlineExceeded)

	pending.Cancel()
	waitQueue(t, q)
}
