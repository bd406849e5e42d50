// Package queue tracks in-flight transfer tasks for observers and bulk
// cancellation.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"transferclient/internal/core"
	"transferclient/internal/observability"
	"transferclient/internal/transfer"
)

// Item is a point-in-time view of one tracked task.
type Item struct {
	ID        string
	Direction core.Direction
	Target    string
	Status    core.TransferStatus
	Progress  core.Progress
	Err       error
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLimit caps how many tasks started by Enqueue run at once.
// Zero or negative means unlimited.
func WithLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.limit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithHooks sets the observability hooks.
func WithHooks(h observability.Hooks) Option {
	return func(q *Queue) { q.hooks = observability.OrNoop(h) }
}

// OnFinalize registers fn to run once per task when it reaches a terminal state.
func OnFinalize(fn func(Item)) Option {
	return func(q *Queue) { q.onFinalize = fn }
}

// Queue owns a set of transfer tasks. Tasks stay listed after they finish
// until Clear drops them.
type Queue struct {
	engine *transfer.Engine
	limit  int
	logger *slog.Logger
	hooks  observability.Hooks

	onFinalize func(Item)

	mu        sync.RWMutex
	tasks     map[string]*transfer.Task
	order     []*transfer.Task
	finalized map[string]bool
	// cleared holds ids dropped by Clear; they are never tracked again.
	cleared map[string]struct{}
	wg      sync.WaitGroup

	// waiting and running are guarded by mu and only used with a limit.
	waiting []queued
	running int
}

type queued struct {
	ctx  context.Context
	task *transfer.Task
}

// New creates a queue. engine may be nil when tasks are only added with Add.
func New(engine *transfer.Engine, opts ...Option) *Queue {
	q := &Queue{
		engine:    engine,
		logger:    slog.Default(),
		hooks:     observability.Noop{},
		tasks:     make(map[string]*transfer.Task),
		finalized: make(map[string]bool),
		cleared:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add tracks task. Adding a task that is already tracked, or was dropped by
// Clear, does nothing and returns false.
func (q *Queue) Add(task *transfer.Task) bool {
	q.mu.Lock()
	_, tracked := q.tasks[task.ID()]
	_, cleared := q.cleared[task.ID()]
	if tracked || cleared {
		q.mu.Unlock()
		return false
	}
	q.tasks[task.ID()] = task
	q.order = append(q.order, task)
	q.wg.Add(1)
	active := q.activeLocked()
	q.mu.Unlock()

	q.hooks.QueueSize(active)
	go q.watch(task)
	return true
}

// Enqueue starts an upload for each file and tracks it. With a limit set,
// uploads beyond it wait as pending and start in the order they were queued. Files rejected by
// the engine are reported in the joined error; the rest are still queued.
func (q *Queue) Enqueue(ctx context.Context, files ...transfer.File) ([]*transfer.Task, error) {
	if q.engine == nil {
		return nil, errors.New("queue has no transfer engine")
	}

	var (
		tasks []*transfer.Task
		errs  []error
	)
	for _, f := range files {
		task, err := q.engine.NewUpload(f, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		q.Add(task)
		q.schedule(ctx, task)
		tasks = append(tasks, task)
	}
	return tasks, errors.Join(errs...)
}

func (q *Queue) schedule(ctx context.Context, task *transfer.Task) {
	if q.limit == 0 {
		task.Start(ctx)
		return
	}
	stop := context.AfterFunc(ctx, task.Cancel)
	go func() {
		<-task.Done()
		stop()
	}()

	q.mu.Lock()
	q.waiting = append(q.waiting, queued{ctx: ctx, task: task})
	q.mu.Unlock()
	q.dispatch()
}

// dispatch starts waiting tasks in FIFO order while slots are free. Tasks
// cancelled while waiting are dropped without taking a slot.
func (q *Queue) dispatch() {
	q.mu.Lock()
	var next, dropped []queued
	for q.running < q.limit && len(q.waiting) > 0 {
		w := q.waiting[0]
		q.waiting[0] = queued{}
		q.waiting = q.waiting[1:]
		if w.task.Status().Terminal() || w.ctx.Err() != nil {
			dropped = append(dropped, w)
			continue
		}
		q.running++
		next = append(next, w)
	}
	q.mu.Unlock()

	for _, w := range dropped {
		w.task.Cancel()
	}
	for _, w := range next {
		w.task.Start(w.ctx)
		go q.release(w.task)
	}
}

func (q *Queue) release(task *transfer.Task) {
	<-task.Done()
	q.mu.Lock()
	q.running--
	q.mu.Unlock()
	q.dispatch()
}

func (q *Queue) watch(task *transfer.Task) {
	defer q.wg.Done()
	<-task.Done()

	q.mu.Lock()
	if q.finalized[task.ID()] {
		q.mu.Unlock()
		return
	}
	q.finalized[task.ID()] = true
	active := q.activeLocked()
	q.mu.Unlock()

	item := itemOf(task)
	q.hooks.QueueSize(active)
	q.logger.Debug("queue task finalized", "id", item.ID, "target", item.Target, "status", item.Status)
	if q.onFinalize != nil {
		q.onFinalize(item)
	}
}

// Get returns the tracked task with id.
func (q *Queue) Get(id string) (*transfer.Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.tasks[id]
	return t, ok
}

// Snapshot returns every tracked task in insertion order.
func (q *Queue) Snapshot() []Item {
	q.mu.RLock()
	tasks := append([]*transfer.Task(nil), q.order...)
	q.mu.RUnlock()

	items := make([]Item, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, itemOf(t))
	}
	return items
}

// Len returns the number of tracked tasks.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.order)
}

// Active returns the number of tracked tasks not yet finalized.
func (q *Queue) Active() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.activeLocked()
}

func (q *Queue) activeLocked() int {
	return len(q.order) - len(q.finalized)
}

// CancelAll cancels every non-terminal task and returns how many it
// cancelled. Finished tasks are left as they are. Newest tasks go first so a
// slot freed by a cancelled upload never starts a queued one.
func (q *Queue) CancelAll() int {
	q.mu.RLock()
	tasks := append([]*transfer.Task(nil), q.order...)
	q.mu.RUnlock()

	n := 0
	for _, t := range slices.Backward(tasks) {
		if t.Status().Terminal() {
			continue
		}
		t.Cancel()
		n++
	}
	if n > 0 {
		q.logger.Info("cancelled queued transfers", "count", n)
	}
	return n
}

// Clear stops tracking finalized tasks and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.order[:0]
	n := 0
	for _, t := range q.order {
		if q.finalized[t.ID()] {
			delete(q.tasks, t.ID())
			delete(q.finalized, t.ID())
			q.cleared[t.ID()] = struct{}{}
			n++
			continue
		}
		kept = append(kept, t)
	}
	clear(q.order[len(kept):])
	q.order = kept
	return n
}

// Wait blocks until every tracked task is finalized or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func itemOf(t *transfer.Task) Item {
	return Item{
		ID:        t.ID(),
		Direction: t.Direction(),
		Target:    t.Target(),
		Status:    t.Status(),
		Progress:  t.Progress(),
		Err:       t.Err(),
	}
}
