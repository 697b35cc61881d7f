package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synergos-io/synergos/internal/envelope"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

var (
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrTaskTimeout means the caller stopped waiting; the task itself is
	// untouched and may still finish.
	ErrTaskTimeout = errors.New("timed out waiting for task result")

	// ErrTaskTimedOut is the terminal state of a task whose processing
	// deadline expired before the capability returned.
	ErrTaskTimedOut = errors.New("task timed out")
)

// FailedError carries the capability error that failed a task, surfaced
// verbatim through Unwrap.
type FailedError struct {
	Cause error
}

func (e *FailedError) Error() string { return fmt.Sprintf("task failed: %v", e.Cause) }
func (e *FailedError) Unwrap() error { return e.Cause }

// Result is what a finished task produced.
type Result struct {
	Content    envelope.Payload `json:"content"`
	Confidence float64          `json:"confidence"`
	Elapsed    time.Duration    `json:"elapsed"`
}

// Task is the bookkeeping record for one unit of submitted work. Once a
// terminal status is assigned the record never changes again.
type Task struct {
	ID          string           `json:"id"`
	Owner       string           `json:"owner"`
	Input       envelope.Payload `json:"input"`
	Status      Status           `json:"status"`
	Result      Result           `json:"result"`
	Err         error            `json:"-"`
	Error       string           `json:"error,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

type record struct {
	task Task
	done chan struct{} // closed exactly once, on the terminal transition
}

// Registry tracks in-flight and recently finished tasks for every agent in
// the process. Terminal records are kept for a retention window and then
// evicted by Run.
type Registry struct {
	mu        sync.RWMutex
	records   map[string]*record
	retention time.Duration
	sweep     time.Duration
}

type Option func(*Registry)

func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweep = d }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		records:   make(map[string]*record),
		retention: time.Hour,
		sweep:     time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a new pending record and returns its id.
func (r *Registry) Create(owner string, input envelope.Payload) string {
	id := uuid.New().String()
	r.mu.Lock()
	r.records[id] = &record{
		task: Task{
			ID:          id,
			Owner:       owner,
			Input:       input,
			Status:      StatusPending,
			SubmittedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	r.mu.Unlock()
	return id
}

func (r *Registry) MarkRunning(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	if rec.task.Status != StatusPending {
		return fmt.Errorf("task %s: %s -> running: %w", id, rec.task.Status, ErrInvalidTransition)
	}
	rec.task.Status = StatusRunning
	return nil
}

// Complete moves the task to completed and wakes every waiter.
func (r *Registry) Complete(id string, res Result) error {
	return r.finish(id, StatusCompleted, func(t *Task) {
		t.Result = res
	})
}

// Fail moves the task to failed, preserving the cause verbatim.
func (r *Registry) Fail(id string, cause error) error {
	return r.finish(id, StatusFailed, func(t *Task) {
		t.Err = cause
		if cause != nil {
			t.Error = cause.Error()
		}
	})
}

// TimeOut marks the task's processing deadline as expired. Distinct from
// Fail: the capability never returned at all.
func (r *Registry) TimeOut(id string) error {
	return r.finish(id, StatusTimedOut, func(t *Task) {
		t.Err = ErrTaskTimedOut
		t.Error = ErrTaskTimedOut.Error()
	})
}

func (r *Registry) finish(id string, to Status, mutate func(*Task)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	if rec.task.Status.Terminal() {
		return fmt.Errorf("task %s: %s -> %s: %w", id, rec.task.Status, to, ErrInvalidTransition)
	}
	mutate(&rec.task)
	rec.task.Status = to
	rec.task.CompletedAt = time.Now().UTC()
	close(rec.done)
	return nil
}

// AwaitResult blocks until the task is terminal or the timeout elapses.
// Already-terminal tasks return immediately, and repeated calls observe the
// identical outcome. A timeout leaves the task untouched: the work may
// still finish and stays queryable until retention expiry. Every waiter on
// one task is woken by the same terminal transition.
func (r *Registry) AwaitResult(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rec.done:
	case <-timer.C:
		return Result{}, fmt.Errorf("task %s after %v: %w", id, timeout, ErrTaskTimeout)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	// The record is immutable after done closes; reading it without the
	// lock is safe.
	switch rec.task.Status {
	case StatusCompleted:
		return rec.task.Result, nil
	case StatusFailed:
		return Result{}, &FailedError{Cause: rec.task.Err}
	default: // StatusTimedOut
		return Result{}, fmt.Errorf("task %s: %w", id, ErrTaskTimedOut)
	}
}

// Get returns a snapshot of the task, if it is still retained.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Task{}, false
	}
	return rec.task, true
}

// List returns the retained tasks owned by an agent, newest first.
func (r *Registry) List(owner string) []Task {
	r.mu.RLock()
	out := make([]Task, 0, 8)
	for _, rec := range r.records {
		if rec.task.Owner == owner {
			out = append(out, rec.task)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out
}

// Run evicts expired terminal records until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.evictExpired(); n > 0 {
				slog.Debug("evicted expired tasks", "count", n)
			}
		}
	}
}

func (r *Registry) evictExpired() int {
	cutoff := time.Now().UTC().Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, rec := range r.records {
		if rec.task.Status.Terminal() && rec.task.CompletedAt.Before(cutoff) {
			delete(r.records, id)
			n++
		}
	}
	return n
}
