package transfer

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"transferclient/internal/core"
)

// ProgressFunc receives byte-level progress. It is only called when the
// total length is known, so percent is always defined.
type ProgressFunc func(percent float64, loaded, total int64)

// Event is one entry of a task's progress stream.
type Event struct {
	Status   core.TransferStatus
	Progress core.Progress
}

// Fraction returns completion in [0,1], or 0 when the total is unknown.
func (e Event) Fraction() float64 {
	return e.Progress.Fraction()
}

// Result is the outcome of a completed transfer.
type Result struct {
	// Value is the decoded JSON upload response, if it parsed.
	Value any
	// Raw is the upload response text when it was not JSON.
	Raw string

	// Content holds downloaded bytes unless the download streamed to a writer.
	Content     []byte
	Filename    string
	ContentType string

	// Bytes counts payload bytes moved, excluding multipart framing.
	Bytes int64
	// Digest is the xxhash64 of the payload bytes.
	Digest uint64
}

// Object returns the upload response as a JSON object, if it was one.
func (r *Result) Object() (map[string]any, bool) {
	m, ok := r.Value.(map[string]any)
	return m, ok
}

// runFunc performs the I/O of a task, reporting progress through the task.
type runFunc func(ctx context.Context, t *Task) (*Result, error)

// Task is a tracked unit of long-running binary I/O.
type Task struct {
	id        string
	direction core.Direction
	target    string

	// pubMu orders event delivery against the final close. Upload progress
	// is reported from the transport's body writer, not the run goroutine.
	pubMu  sync.Mutex
	closed bool

	mu              sync.Mutex
	status          core.TransferStatus
	progress        core.Progress
	result          *Result
	err             error
	cancel          context.CancelFunc
	cancelRequested bool
	started         bool

	onProgress ProgressFunc
	events     chan Event
	done       chan struct{}
	run        runFunc
	finished   func(*Task)
}

func newTask(direction core.Direction, target string, onProgress ProgressFunc, run runFunc) *Task {
	return &Task{
		id:         uuid.NewString(),
		direction:  direction,
		target:     target,
		status:     core.StatusPending,
		progress:   core.Progress{Total: -1},
		onProgress: onProgress,
		events:     make(chan Event, 1),
		done:       make(chan struct{}),
		run:        run,
	}
}

func (t *Task) ID() string { return t.id }

func (t *Task) Direction() core.Direction { return t.direction }

// Target is the file name for uploads and the file id for downloads.
func (t *Task) Target() string { return t.target }

// Status returns the current lifecycle state.
func (t *Task) Status() core.TransferStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Progress returns the latest progress snapshot.
func (t *Task) Progress() core.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Err returns the terminal error, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Events returns the progress stream. Delivery is latest-wins so a slow
// reader never stalls the transfer; the channel is closed after the
// terminal event.
func (t *Task) Events() <-chan Event {
	return t.events
}

// Wait blocks until the task finishes or ctx is done. Returning early on ctx
// does not cancel the task.
func (t *Task) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Cancel aborts the task. A pending task is cancelled at once; an in-flight
// task becomes cancelled once the transport has unwound, which Done signals.
// Cancelling a terminal task has no effect.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.cancelRequested = true
	if !t.started {
		t.started = true
		t.mu.Unlock()
		t.finish(nil, core.NewCancelledError(t.cancelMessage(), context.Canceled))
		return
	}
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Start launches the transfer in its own goroutine. Calling Start more than
// once, or after Cancel, does nothing.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started || t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.started = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		defer cancel()
		t.setStatus(core.StatusInProgress)
		result, err := t.run(runCtx, t)
		if err != nil {
			err = t.classify(ctx, err)
		}
		t.finish(result, err)
	}()
}

// classify maps a transport failure to cancellation when the caller asked
// for it, leaving every other error as reported.
func (t *Task) classify(parent context.Context, err error) error {
	t.mu.Lock()
	requested := t.cancelRequested
	t.mu.Unlock()

	if core.KindOf(err) == core.KindHTTP {
		return err
	}
	if requested || parent.Err() == context.Canceled {
		return core.NewCancelledError(t.cancelMessage(), err)
	}
	if parent.Err() == context.DeadlineExceeded {
		return core.NewTimeoutError(err)
	}
	return err
}

func (t *Task) cancelMessage() string {
	if t.direction == core.DirectionDownload {
		return "Download cancelled"
	}
	return "Upload cancelled"
}

func (t *Task) setStatus(next core.TransferStatus) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.Lock()
	if !t.status.CanTransition(next) || t.status == next {
		t.mu.Unlock()
		return
	}
	t.status = next
	ev := Event{Status: next, Progress: t.progress}
	t.mu.Unlock()
	t.publishLocked(ev)
}

// report records progress. Reports after a terminal state, or that would move
// backwards, are dropped. The progress callback runs after pubMu is released
// so it may wait on the task.
func (t *Task) report(loaded, total int64) {
	t.pubMu.Lock()
	t.mu.Lock()
	if t.status != core.StatusInProgress || loaded < t.progress.Loaded {
		t.mu.Unlock()
		t.pubMu.Unlock()
		return
	}
	t.progress = core.Progress{Loaded: loaded, Total: total}
	ev := Event{Status: t.status, Progress: t.progress}
	onProgress := t.onProgress
	t.mu.Unlock()

	t.publishLocked(ev)
	t.pubMu.Unlock()

	if onProgress != nil {
		if percent, ok := ev.Progress.Percent(); ok {
			onProgress(percent, loaded, total)
		}
	}
}

// finish moves the task to its terminal state exactly once.
func (t *Task) finish(result *Result, err error) {
	t.pubMu.Lock()
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		t.pubMu.Unlock()
		return
	}
	switch {
	case err == nil:
		t.status = core.StatusCompleted
		t.result = result
	case core.IsCancelled(err):
		t.status = core.StatusCancelled
		t.err = err
	default:
		t.status = core.StatusFailed
		t.err = err
	}
	ev := Event{Status: t.status, Progress: t.progress}
	finished := t.finished
	t.mu.Unlock()

	t.publishLocked(ev)
	t.closed = true
	close(t.events)
	t.pubMu.Unlock()

	if finished != nil {
		finished(t)
	}
	close(t.done)
}

// publishLocked delivers ev, replacing an unread older event if the buffer
// is full. The caller holds pubMu.
func (t *Task) publishLocked(ev Event) {
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
		return
	default:
	}
	select {
	case <-t.events:
	default:
	}
	select {
	case t.events <- ev:
	default:
	}
}
