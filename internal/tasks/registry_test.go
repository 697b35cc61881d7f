package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/synergos-io/synergos/internal/envelope"
)

func TestCreate(t *testing.T) {
	reg := NewRegistry()

	id := reg.Create("research-1", envelope.Payload{"query": "go"})
	if id == "" {
		t.Fatal("expected non-empty task id")
	}

	task, ok := reg.Get(id)
	if !ok {
		t.Fatal("task not found after create")
	}
	if task.Status != StatusPending {
		t.Errorf("expected pending, got %s", task.Status)
	}
	if task.Owner != "research-1" {
		t.Errorf("expected owner research-1, got %s", task.Owner)
	}
	if task.SubmittedAt.IsZero() {
		t.Error("expected submitted_at to be set")
	}
	if !task.CompletedAt.IsZero() {
		t.Error("completed_at must be zero before terminal")
	}
}

func TestTransitions(t *testing.T) {
	reg := NewRegistry()
	id := reg.Create("a", nil)

	if err := reg.MarkRunning(id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := reg.MarkRunning(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double mark running: got %v, want ErrInvalidTransition", err)
	}

	if err := reg.Complete(id, Result{Confidence: 0.8}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Terminal records are immutable
	if err := reg.Complete(id, Result{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("complete after terminal: got %v, want ErrInvalidTransition", err)
	}
	if err := reg.Fail(id, errors.New("boom")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("fail after terminal: got %v, want ErrInvalidTransition", err)
	}
	if err := reg.TimeOut(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("timeout after terminal: got %v, want ErrInvalidTransition", err)
	}
	if err := reg.MarkRunning(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("mark running after terminal: got %v, want ErrInvalidTransition", err)
	}
}

func TestUnknownTask(t *testing.T) {
	reg := NewRegistry()

	if err := reg.MarkRunning("nope"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("mark running: got %v, want ErrUnknownTask", err)
	}
	if err := reg.Complete("nope", Result{}); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("complete: got %v, want ErrUnknownTask", err)
	}
	if _, err := reg.AwaitResult(context.Background(), "nope", time.Second); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("await: got %v, want ErrUnknownTask", err)
	}
	if _, ok := reg.Get("nope"); ok {
		t.Error("get of unknown id must report not found")
	}
}

func TestAwaitResultTimeoutLeavesTaskUntouched(t *testing.T) {
	reg := NewRegistry()
	id := reg.Create("a", nil)
	if err := reg.MarkRunning(id); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	start := time.Now()
	_, err := reg.AwaitResult(context.Background(), id, 50*time.Millisecond)
	if !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("got %v, want ErrTaskTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("await returned before the timeout: %v", elapsed)
	}

	task, _ := reg.Get(id)
	if task.Status != StatusRunning {
		t.Errorf("abandoning the wait must not touch the task, got %s", task.Status)
	}

	// Work finishes late; a later await observes it
	if err := reg.Complete(id, Result{Confidence: 0.7}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, err := reg.AwaitResult(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("await after completion: %v", err)
	}
	if res.Confidence != 0.7 {
		t.Errorf("confidence = %v, want 0.7", res.Confidence)
	}
}

func TestAwaitResultIdempotent(t *testing.T) {
	reg := NewRegistry()
	id := reg.Create("a", nil)
	if err := reg.Complete(id, Result{Content: envelope.Payload{"answer": "42"}, Confidence: 0.9}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	first, err := reg.AwaitResult(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("first await: %v", err)
	}
	second, err := reg.AwaitResult(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("second await: %v", err)
	}
	if first.Content.String("answer") != "42" || second.Content.String("answer") != "42" {
		t.Errorf("awaits disagree: %+v != %+v", first, second)
	}
	if first.Confidence != second.Confidence {
		t.Errorf("confidence differs between awaits: %v != %v", first.Confidence, second.Confidence)
	}
}

func TestAwaitResultBroadcastWake(t *testing.T) {
	reg := NewRegistry()
	id := reg.Create("a", nil)

	const waiters = 10
	results := make(chan Result, waiters)
	errs := make(chan error, waiters)

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := reg.AwaitResult(context.Background(), id, 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}

	time.Sleep(20 * time.Millisecond) // let the waiters park
	if err := reg.Complete(id, Result{Confidence: 0.5}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Errorf("waiter failed: %v", err)
	}
	n := 0
	for res := range results {
		if res.Confidence != 0.5 {
			t.Errorf("unexpected result: %+v", res)
		}
		n++
	}
	if n != waiters {
		t.Errorf("woke %d waiters, want %d", n, waiters)
	}
}

func TestFailSurfacesCause(t *testing.T) {
	reg := NewRegistry()
	id := reg.Create("a", nil)

	cause := errors.New("quota exceeded")
	if err := reg.Fail(id, cause); err != nil {
		t.Fatalf("fail: %v", err)
	}

	_, err := reg.AwaitResult(context.Background(), id, time.Second)
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("got %v, want FailedError", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause not preserved verbatim: %v", err)
	}

	task, _ := reg.Get(id)
	if task.Status != StatusFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if task.Error != "quota exceeded" {
		t.Errorf("error text = %q", task.Error)
	}
}

func TestTimeOutDistinctFromFailed(t *testing.T) {
	reg := NewRegistry()
	id := reg.Create("a", nil)
	if err := reg.MarkRunning(id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := reg.TimeOut(id); err != nil {
		t.Fatalf("timeout: %v", err)
	}

	_, err := reg.AwaitResult(context.Background(), id, time.Second)
	if !errors.Is(err, ErrTaskTimedOut) {
		t.Fatalf("got %v, want ErrTaskTimedOut", err)
	}
	var failed *FailedError
	if errors.As(err, &failed) {
		t.Error("timed_out must not surface as TaskFailed")
	}

	task, _ := reg.Get(id)
	if task.Status != StatusTimedOut {
		t.Errorf("status = %s, want timed_out", task.Status)
	}
}

func TestAwaitResultContextCancel(t *testing.T) {
	reg := NewRegistry()
	id := reg.Create("a", nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := reg.AwaitResult(ctx, id, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestRetentionEviction(t *testing.T) {
	reg := NewRegistry(WithRetention(0), WithSweepInterval(time.Millisecond))
	id := reg.Create("a", nil)
	if err := reg.Complete(id, Result{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	time.Sleep(5 * time.Millisecond) // let CompletedAt fall behind the cutoff
	if n := reg.evictExpired(); n != 1 {
		t.Fatalf("evicted %d records, want 1", n)
	}

	if _, ok := reg.Get(id); ok {
		t.Error("evicted task still retrievable")
	}
	if _, err := reg.AwaitResult(context.Background(), id, time.Second); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("await after eviction: got %v, want ErrUnknownTask", err)
	}
}

func TestEvictionSkipsLiveTasks(t *testing.T) {
	reg := NewRegistry(WithRetention(0))
	pending := reg.Create("a", nil)
	running := reg.Create("a", nil)
	if err := reg.MarkRunning(running); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	if n := reg.evictExpired(); n != 0 {
		t.Fatalf("evicted %d live records", n)
	}
	if _, ok := reg.Get(pending); !ok {
		t.Error("pending task was evicted")
	}
	if _, ok := reg.Get(running); !ok {
		t.Error("running task was evicted")
	}
}

func TestList(t *testing.T) {
	reg := NewRegistry()
	first := reg.Create("research-1", envelope.Payload{"q": "1"})
	time.Sleep(2 * time.Millisecond)
	second := reg.Create("research-1", envelope.Payload{"q": "2"})
	reg.Create("synthesis-1", nil)

	got := reg.List("research-1")
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	if got[0].ID != second || got[1].ID != first {
		t.Errorf("expected newest first, got %s then %s", got[0].ID, got[1].ID)
	}
}
