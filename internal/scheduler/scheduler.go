// Package scheduler runs recurring research digests. Each digest names an
// agent and a query; the scheduler submits the query as a task whenever the
// digest's schedule comes due and computes the next run from the schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/synergos-io/synergos/internal/config"
	"github.com/synergos-io/synergos/internal/envelope"
	"github.com/synergos-io/synergos/internal/schedule"
	"github.com/synergos-io/synergos/internal/transport"
)

// Submitter accepts one task submission. Agent runtimes satisfy it.
type Submitter interface {
	Submit(ctx context.Context, input envelope.Payload) (string, error)
}

type digest struct {
	name     string
	agent    string
	query    string
	schedule schedule.Schedule
	nextRun  time.Time
	retired  bool
}

// Scheduler polls its digests and submits the due ones. Digests come from
// configuration at construction; nothing mutates them at runtime beyond
// retiring one-shots that have fired. mu guards the digest run state and
// the poll interval against the run loop.
type Scheduler struct {
	agents   map[string]Submitter
	events   transport.Broker // nil publishes nothing
	reloadCh chan struct{}
	log      *slog.Logger

	mu           sync.Mutex
	digests      []*digest
	pollInterval time.Duration
}

func New(cfg config.SchedulerConfig, digests []config.DigestConfig, agents map[string]Submitter, events transport.Broker) (*Scheduler, error) {
	s := &Scheduler{
		agents:       agents,
		events:       events,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
		log:          slog.With("component", "scheduler"),
	}

	for _, d := range digests {
		if _, ok := agents[d.Agent]; !ok {
			return nil, fmt.Errorf("digest %q: unknown agent %q", d.Name, d.Agent)
		}
		sch, err := toSchedule(d)
		if err != nil {
			return nil, fmt.Errorf("digest %q: %w", d.Name, err)
		}
		next, ok := sch.NextRun(time.Now())
		if !ok {
			return nil, fmt.Errorf("digest %q: schedule never runs", d.Name)
		}
		s.digests = append(s.digests, &digest{
			name:     d.Name,
			agent:    d.Agent,
			query:    d.Query,
			schedule: sch,
			nextRun:  next,
		})
	}

	return s, nil
}

// toSchedule folds a digest config into a validated schedule value.
func toSchedule(d config.DigestConfig) (schedule.Schedule, error) {
	var sch schedule.Schedule
	switch {
	case d.Cron != "":
		sch = schedule.Cron(d.Cron)
	case d.Every > 0:
		sch = schedule.Interval(d.Every)
	default:
		return schedule.Schedule{}, fmt.Errorf("cron or every is required")
	}
	return sch, sch.Validate()
}

// UpdatePollInterval changes the tick rate and signals the run loop to
// reset its ticker.
func (s *Scheduler) UpdatePollInterval(d time.Duration) {
	s.mu.Lock()
	s.pollInterval = d
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// Digests reports each live digest's next run, keyed by name. Retired
// one-shots are omitted.
func (s *Scheduler) Digests() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.digests))
	for _, d := range s.digests {
		if !d.retired {
			out[d.name] = d.nextRun
		}
	}
	return out
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.pollInterval <= 0 {
		s.pollInterval = 30 * time.Second
	}
	interval := s.pollInterval
	digests := len(s.digests)
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("scheduler started", "poll_interval", interval, "digests", digests)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			s.mu.Lock()
			if s.pollInterval <= 0 {
				s.pollInterval = 30 * time.Second
			}
			interval = s.pollInterval
			s.mu.Unlock()
			ticker.Reset(interval)
			s.log.Info("scheduler poll interval reloaded", "poll_interval", interval)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll snapshots the due digests under the lock, then submits outside it:
// Submit can block on a full agent queue.
func (s *Scheduler) poll(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	var due []*digest
	for _, d := range s.digests {
		if d.retired || d.nextRun.After(now) {
			continue
		}
		due = append(due, d)
	}
	s.mu.Unlock()

	for _, d := range due {
		s.execute(ctx, d)
	}
}

func (s *Scheduler) execute(ctx context.Context, d *digest) {
	s.log.Info("running digest", "digest", d.name, "agent", d.agent)

	taskID, err := s.agents[d.agent].Submit(ctx, envelope.Payload{
		"query":  d.query,
		"digest": d.name,
	})

	status := "submitted"
	if err != nil {
		status = "error"
		s.log.Error("digest submission failed", "digest", d.name, "error", err)
	}

	next, ok := d.schedule.NextRun(time.Now())
	s.mu.Lock()
	if !ok {
		// One-shot with nothing left to do.
		d.retired = true
	} else {
		d.nextRun = next
	}
	s.mu.Unlock()
	if !ok {
		s.log.Info("digest retired", "digest", d.name)
	}

	s.emit(ctx, d, taskID, status)
}

func (s *Scheduler) emit(ctx context.Context, d *digest, taskID, status string) {
	if s.events == nil {
		return
	}
	env, err := envelope.New("scheduler", transport.EventsChannel, envelope.KindNotification, envelope.Payload{
		"event":   "digest_run",
		"digest":  d.name,
		"agent":   d.agent,
		"task_id": taskID,
		"status":  status,
	})
	if err != nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.events.Publish(pubCtx, transport.EventsChannel, env); err != nil {
		s.log.Debug("digest event publish failed", "digest", d.name, "error", err)
	}
}
