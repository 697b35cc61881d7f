// Package agent runs task-processing agents. The Runtime owns the
// lifecycle, the bounded work queue and the bookkeeping around each task;
// agent variants plug in as Processors and optionally handle inbound
// envelopes from other agents.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/synergos-io/synergos/internal/comms"
	"github.com/synergos-io/synergos/internal/envelope"
	"github.com/synergos-io/synergos/internal/tasks"
	"github.com/synergos-io/synergos/internal/transport"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var (
	// ErrNotStarted rejects submissions while the agent is not running.
	ErrNotStarted = errors.New("agent is not running")

	// ErrQueueFull rejects submissions when the work queue is at capacity.
	// The rejected task is recorded as failed so the id stays queryable.
	ErrQueueFull = errors.New("task queue full")
)

// Processor turns one task input into a result. Implementations must honor
// ctx: its deadline is the task's processing budget.
type Processor interface {
	Process(ctx context.Context, input envelope.Payload) (tasks.Result, error)
}

// Metrics is a point-in-time snapshot of an agent's processing counters.
type Metrics struct {
	Processed    int64         `json:"processed"`
	Failed       int64         `json:"failed"`
	TimedOut     int64         `json:"timed_out"`
	TotalElapsed time.Duration `json:"total_elapsed"`
	LastActivity time.Time     `json:"last_activity"`
}

// Runtime drives one agent: accepts submissions onto a bounded queue and
// processes them with bounded concurrency, recording every outcome in the
// shared task registry. Submission and processing are decoupled; Submit
// never waits on the completion provider.
type Runtime struct {
	id      string
	proc    Processor
	reg     *tasks.Registry
	comm    *comms.Comms     // nil runs standalone, no registration
	inbound comms.Handler    // nil drops inbound envelopes
	events  transport.Broker // nil publishes nothing
	log     *slog.Logger

	queueSize   int
	concurrency int64
	taskTimeout time.Duration
	sem         *semaphore.Weighted

	mu     sync.Mutex
	state  State
	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metmu   sync.Mutex
	metrics Metrics
}

type Option func(*Runtime)

// WithComms attaches the communication handler; Start registers the agent
// and Stop deregisters it.
func WithComms(c *comms.Comms) Option {
	return func(rt *Runtime) { rt.comm = c }
}

// WithInbound routes inbound envelopes to h instead of dropping them.
func WithInbound(h comms.Handler) Option {
	return func(rt *Runtime) { rt.inbound = h }
}

// WithEvents publishes lifecycle events on the broker's events channel.
func WithEvents(b transport.Broker) Option {
	return func(rt *Runtime) { rt.events = b }
}

func WithQueueSize(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.queueSize = n
		}
	}
}

// WithConcurrency lifts the default of one task at a time. Serialized
// processing keeps per-agent ordering intuitive; more is explicit opt-in.
func WithConcurrency(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.concurrency = int64(n)
		}
	}
}

// WithTaskTimeout bounds each task's processing time. A task whose deadline
// expires while the capability is still out ends timed_out, not failed.
func WithTaskTimeout(d time.Duration) Option {
	return func(rt *Runtime) {
		if d > 0 {
			rt.taskTimeout = d
		}
	}
}

func NewRuntime(id string, proc Processor, reg *tasks.Registry, opts ...Option) *Runtime {
	rt := &Runtime{
		id:          id,
		proc:        proc,
		reg:         reg,
		log:         slog.With("agent", id),
		queueSize:   128,
		concurrency: 1,
		taskTimeout: 2 * time.Minute,
		state:       StateStopped,
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.sem = semaphore.NewWeighted(rt.concurrency)
	return rt
}

func (rt *Runtime) ID() string { return rt.id }

func (rt *Runtime) State() State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Start registers the agent with the communication handler (when attached)
// and launches the processing loop. Only a stopped agent can start.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state != StateStopped {
		state := rt.state
		rt.mu.Unlock()
		return fmt.Errorf("agent %s is %s, cannot start", rt.id, state)
	}
	rt.state = StateStarting
	rt.mu.Unlock()

	if rt.comm != nil {
		if err := rt.comm.Register(ctx, rt.id, rt); err != nil {
			rt.mu.Lock()
			rt.state = StateStopped
			rt.mu.Unlock()
			return fmt.Errorf("register agent %s: %w", rt.id, err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.queue = make(chan string, rt.queueSize)
	rt.cancel = cancel
	rt.state = StateRunning
	rt.mu.Unlock()

	rt.wg.Add(1)
	go rt.dispatch(loopCtx)

	rt.log.Info("agent started", "queue_size", rt.queueSize, "concurrency", rt.concurrency)
	rt.emit("agent_started", nil)
	return nil
}

// Stop deregisters the agent, stops intake and waits for in-flight tasks,
// bounded by ctx. Tasks still queued when the dispatcher exits stay pending
// in the registry. Returning the ctx error leaves stragglers running; they
// finish into the registry on their own.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state != StateRunning {
		state := rt.state
		rt.mu.Unlock()
		return fmt.Errorf("agent %s is %s, cannot stop", rt.id, state)
	}
	rt.state = StateStopping
	cancel := rt.cancel
	rt.mu.Unlock()

	if rt.comm != nil {
		if err := rt.comm.Deregister(rt.id); err != nil {
			rt.log.Warn("deregister failed", "error", err)
		}
	}

	cancel()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("stop agent %s: %w", rt.id, ctx.Err())
	}

	rt.mu.Lock()
	rt.state = StateStopped
	rt.mu.Unlock()

	rt.log.Info("agent stopped")
	rt.emit("agent_stopped", nil)
	return err
}

// Submit records a new pending task and enqueues it for processing. The
// task id returns immediately; processing happens on the agent's workers.
// On ErrQueueFull the id still refers to a record, already failed, so the
// rejection stays queryable.
func (rt *Runtime) Submit(ctx context.Context, input envelope.Payload) (string, error) {
	rt.mu.Lock()
	if rt.state != StateRunning {
		state := rt.state
		rt.mu.Unlock()
		return "", fmt.Errorf("agent %s is %s: %w", rt.id, state, ErrNotStarted)
	}
	queue := rt.queue
	rt.mu.Unlock()

	id := rt.reg.Create(rt.id, input)

	select {
	case queue <- id:
	default:
		_ = rt.reg.Fail(id, ErrQueueFull)
		return id, fmt.Errorf("agent %s: %w", rt.id, ErrQueueFull)
	}

	rt.log.Debug("task submitted", "task", id)
	rt.emit("task_submitted", envelope.Payload{"task_id": id})
	return id, nil
}

// Result blocks until the task reaches a terminal status or the timeout
// elapses. Abandoning the wait never cancels the task itself.
func (rt *Runtime) Result(ctx context.Context, id string, timeout time.Duration) (tasks.Result, error) {
	return rt.reg.AwaitResult(ctx, id, timeout)
}

// Tasks returns the retained task records owned by this agent, newest first.
func (rt *Runtime) Tasks() []tasks.Task {
	return rt.reg.List(rt.id)
}

func (rt *Runtime) Metrics() Metrics {
	rt.metmu.Lock()
	defer rt.metmu.Unlock()
	return rt.metrics
}

// Handle implements comms.Handler. Envelopes go to the agent variant's
// inbound handler when one is wired; otherwise they are logged and dropped.
func (rt *Runtime) Handle(ctx context.Context, env envelope.Envelope) error {
	if rt.inbound != nil {
		return rt.inbound.Handle(ctx, env)
	}
	rt.log.Debug("dropping inbound envelope", "from", env.From, "kind", env.Kind, "envelope", env.ID)
	return nil
}

// dispatch pulls task ids off the queue and runs each under the semaphore.
// Acquiring before the dequeue guarantees a dequeued task always runs.
func (rt *Runtime) dispatch(ctx context.Context) {
	defer rt.wg.Done()

	for {
		if err := rt.sem.Acquire(ctx, 1); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			rt.sem.Release(1)
			return
		case id := <-rt.queue:
			rt.wg.Add(1)
			go func() {
				defer rt.wg.Done()
				defer rt.sem.Release(1)
				rt.run(id)
			}()
		}
	}
}

// run processes one task exactly once. The context deadline is the task's
// processing budget, deliberately independent of Stop so in-flight work
// can finish during shutdown.
func (rt *Runtime) run(id string) {
	task, ok := rt.reg.Get(id)
	if !ok {
		rt.log.Warn("queued task vanished from registry", "task", id)
		return
	}
	if err := rt.reg.MarkRunning(id); err != nil {
		rt.log.Warn("task not runnable", "task", id, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.taskTimeout)
	defer cancel()

	start := time.Now()
	res, err := rt.proc.Process(ctx, task.Input)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		res.Elapsed = elapsed
		if err := rt.reg.Complete(id, res); err != nil {
			rt.log.Error("complete task failed", "task", id, "error", err)
			return
		}
		rt.record(elapsed, func(m *Metrics) { m.Processed++ })
		rt.log.Info("task completed", "task", id, "elapsed", elapsed, "confidence", res.Confidence)
		rt.emit("task_completed", envelope.Payload{"task_id": id, "confidence": res.Confidence})
	case ctx.Err() == context.DeadlineExceeded:
		if err := rt.reg.TimeOut(id); err != nil {
			rt.log.Error("time out task failed", "task", id, "error", err)
			return
		}
		rt.record(elapsed, func(m *Metrics) { m.TimedOut++ })
		rt.log.Warn("task timed out", "task", id, "after", rt.taskTimeout)
		rt.emit("task_timed_out", envelope.Payload{"task_id": id})
	default:
		if err := rt.reg.Fail(id, err); err != nil {
			rt.log.Error("fail task failed", "task", id, "error", err)
			return
		}
		rt.record(elapsed, func(m *Metrics) { m.Failed++ })
		rt.log.Error("task failed", "task", id, "error", err)
		rt.emit("task_failed", envelope.Payload{"task_id": id, "error": err.Error()})
	}
}

func (rt *Runtime) record(elapsed time.Duration, bump func(*Metrics)) {
	rt.metmu.Lock()
	bump(&rt.metrics)
	rt.metrics.TotalElapsed += elapsed
	rt.metrics.LastActivity = time.Now().UTC()
	rt.metmu.Unlock()
}

// submitAndReply runs the request's payload as a task and answers with a
// correlated response once it finishes. The await happens off the delivery
// goroutine so one slow task never blocks the agent's inbox.
func (rt *Runtime) submitAndReply(ctx context.Context, req envelope.Envelope, input envelope.Payload) error {
	id, err := rt.Submit(ctx, input)
	if err != nil {
		rt.reply(req, envelope.Payload{"error": err.Error()})
		return err
	}

	go func() {
		// Queue wait plus the processing deadline.
		res, err := rt.reg.AwaitResult(context.Background(), id, 2*rt.taskTimeout)

		payload := envelope.Payload{"task_id": id}
		if err != nil {
			payload["error"] = err.Error()
		} else {
			for k, v := range res.Content {
				payload[k] = v
			}
			payload["confidence"] = res.Confidence
		}
		rt.reply(req, payload)
	}()
	return nil
}

func (rt *Runtime) reply(req envelope.Envelope, payload envelope.Payload) {
	if rt.comm == nil {
		return
	}
	resp, err := req.Reply(payload)
	if err != nil {
		rt.log.Error("build reply failed", "request", req.ID, "error", err)
		return
	}
	if err := rt.comm.Send(context.Background(), resp); err != nil {
		rt.log.Error("send reply failed", "request", req.ID, "to", resp.To, "error", err)
	}
}

func (rt *Runtime) emit(event string, fields envelope.Payload) {
	if rt.events == nil {
		return
	}
	payload := envelope.Payload{"event": event, "agent": rt.id}
	for k, v := range fields {
		payload[k] = v
	}
	env, err := envelope.New(rt.id, transport.EventsChannel, envelope.KindNotification, payload)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rt.events.Publish(ctx, transport.EventsChannel, env); err != nil {
		rt.log.Debug("event publish failed", "event", event, "error", err)
	}
}
