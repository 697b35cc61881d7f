package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/synergos-io/synergos/internal/config"
	"github.com/synergos-io/synergos/internal/envelope"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	inputs []envelope.Payload
	ch     chan envelope.Payload
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{ch: make(chan envelope.Payload, 16)}
}

func (f *fakeSubmitter) Submit(_ context.Context, input envelope.Payload) (string, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()
	f.ch <- input
	return "task-1", nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func TestIntervalDigestSubmits(t *testing.T) {
	sub := newFakeSubmitter()

	sched, err := New(
		config.SchedulerConfig{PollInterval: 10 * time.Millisecond},
		[]config.DigestConfig{{
			Name:  "morning-brief",
			Agent: "research-1",
			Query: "latest developments in Go",
			Every: 20 * time.Millisecond,
		}},
		map[string]Submitter{"research-1": sub},
		nil,
	)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx)

	select {
	case input := <-sub.ch:
		if got := input.String("query"); got != "latest developments in Go" {
			t.Errorf("query = %q", got)
		}
		if got := input.String("digest"); got != "morning-brief" {
			t.Errorf("digest = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("digest never submitted")
	}

	// The interval schedule must reschedule, not retire.
	if _, ok := sched.Digests()["morning-brief"]; !ok {
		t.Error("interval digest retired after one run")
	}
}

func TestDigestReschedules(t *testing.T) {
	sub := newFakeSubmitter()

	sched, err := New(
		config.SchedulerConfig{PollInterval: 5 * time.Millisecond},
		[]config.DigestConfig{{
			Name:  "tick",
			Agent: "a",
			Query: "q",
			Every: 5 * time.Millisecond,
		}},
		map[string]Submitter{"a": sub},
		nil,
	)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx)

	deadline := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-sub.ch:
		case <-deadline:
			t.Fatalf("got %d submissions, want at least 2", sub.count())
		}
	}
}

func TestDigestsConcurrentWithRuns(t *testing.T) {
	sub := newFakeSubmitter()

	sched, err := New(
		config.SchedulerConfig{PollInterval: 2 * time.Millisecond},
		[]config.DigestConfig{{
			Name:  "hot",
			Agent: "a",
			Query: "q",
			Every: 2 * time.Millisecond,
		}},
		map[string]Submitter{"a": sub},
		nil,
	)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx)

	// Reading next runs and retuning the tick rate must be safe while
	// the loop executes digests.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			sched.Digests()
			sched.UpdatePollInterval(2 * time.Millisecond)
		}
	}()

	deadline := time.After(2 * time.Second)
	for i := 0; i < 3; i++ {
		select {
		case <-sub.ch:
		case <-deadline:
			t.Fatalf("got %d submissions, want at least 3", sub.count())
		}
	}
	<-done
}

func TestUpdatePollIntervalWakesLoop(t *testing.T) {
	sub := newFakeSubmitter()

	sched, err := New(
		config.SchedulerConfig{PollInterval: time.Hour},
		[]config.DigestConfig{{
			Name:  "slow-start",
			Agent: "a",
			Query: "q",
			Every: time.Millisecond,
		}},
		map[string]Submitter{"a": sub},
		nil,
	)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx)

	// With an hour between polls the digest would not run; the reload
	// signal retunes the ticker.
	sched.UpdatePollInterval(5 * time.Millisecond)

	select {
	case <-sub.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("digest never ran after poll interval update")
	}
}

func TestUnknownAgentRejected(t *testing.T) {
	_, err := New(
		config.SchedulerConfig{},
		[]config.DigestConfig{{Name: "d", Agent: "nobody", Query: "q", Every: time.Minute}},
		map[string]Submitter{},
		nil,
	)
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestDigestNeedsSchedule(t *testing.T) {
	sub := newFakeSubmitter()
	_, err := New(
		config.SchedulerConfig{},
		[]config.DigestConfig{{Name: "d", Agent: "a", Query: "q"}},
		map[string]Submitter{"a": sub},
		nil,
	)
	if err == nil {
		t.Fatal("expected error for digest without cron or every")
	}
}

func TestCronDigestValidated(t *testing.T) {
	sub := newFakeSubmitter()
	_, err := New(
		config.SchedulerConfig{},
		[]config.DigestConfig{{Name: "d", Agent: "a", Query: "q", Cron: "not a cron"}},
		map[string]Submitter{"a": sub},
		nil,
	)
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
