package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/synergos-io/synergos/internal/envelope"
	"github.com/synergos-io/synergos/internal/transport"
)

var (
	// ErrPeerGone resolves a correlated wait whose target agent was
	// deregistered mid-flight. Terminal for that exchange.
	ErrPeerGone = errors.New("peer deregistered")

	// ErrRequestTimeout means no response arrived in time. The request may
	// still be processed by the peer; only the wait ended.
	ErrRequestTimeout = errors.New("timed out waiting for response")
)

// Handler consumes envelopes addressed to one agent. A returned error is
// logged by the dispatcher and never propagated: one failing handler cannot
// break delivery to anyone else.
type Handler interface {
	Handle(ctx context.Context, env envelope.Envelope) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, env envelope.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env envelope.Envelope) error {
	return f(ctx, env)
}

type registration struct {
	handler  Handler
	inboxSub transport.Subscription
	bcastSub transport.Subscription
}

type waiter struct {
	to   string                 // target agent, matched on deregistration
	ch   chan envelope.Envelope // the correlated response, buffered
	gone chan struct{}          // closed when the target deregisters
}

// Comms maps agent identifiers to inbound handlers and runs request/response
// correlation on top of the broker. One instance serves every agent in the
// process.
type Comms struct {
	broker transport.Broker
	log    *slog.Logger
	hist   *history

	mu     sync.RWMutex
	agents map[string]*registration

	wmu     sync.Mutex
	waiters map[string]*waiter // request envelope id -> waiter
}

func New(broker transport.Broker) *Comms {
	return &Comms{
		broker:  broker,
		log:     slog.With("component", "comms"),
		hist:    newHistory(historyMax, historyKeep),
		agents:  make(map[string]*registration),
		waiters: make(map[string]*waiter),
	}
}

// Register subscribes the agent's inbox and the broadcast channel and wires
// h as its inbound handler. Re-registering swaps the handler atomically and
// keeps the existing subscriptions.
func (c *Comms) Register(ctx context.Context, agentID string, h Handler) error {
	if agentID == "" {
		return errors.New("agent id is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}

	c.mu.Lock()
	if reg, ok := c.agents[agentID]; ok {
		reg.handler = h
		c.mu.Unlock()
		c.log.Info("agent handler replaced", "agent", agentID)
		return nil
	}
	// Insert before subscribing so envelopes arriving mid-registration
	// already find their handler.
	reg := &registration{handler: h}
	c.agents[agentID] = reg
	c.mu.Unlock()

	inbox, err := c.broker.Subscribe(ctx, transport.InboxChannel(agentID), func(env envelope.Envelope) {
		c.deliver(agentID, env)
	})
	if err != nil {
		c.mu.Lock()
		delete(c.agents, agentID)
		c.mu.Unlock()
		return fmt.Errorf("subscribe inbox: %w", err)
	}

	bcast, err := c.broker.Subscribe(ctx, transport.BroadcastChannel, func(env envelope.Envelope) {
		if env.From == agentID {
			return // a sender never receives its own broadcast
		}
		c.deliver(agentID, env)
	})
	if err != nil {
		inbox.Unsubscribe()
		c.mu.Lock()
		delete(c.agents, agentID)
		c.mu.Unlock()
		return fmt.Errorf("subscribe broadcast: %w", err)
	}

	c.mu.Lock()
	if current := c.agents[agentID]; current != reg {
		// Deregistered while subscribing; release what we acquired.
		c.mu.Unlock()
		inbox.Unsubscribe()
		bcast.Unsubscribe()
		return fmt.Errorf("agent %s deregistered during registration", agentID)
	}
	reg.inboxSub = inbox
	reg.bcastSub = bcast
	c.mu.Unlock()

	c.log.Info("agent registered", "agent", agentID)
	return nil
}

// Deregister releases the agent's subscriptions and resolves every
// outstanding Request targeting it with ErrPeerGone.
func (c *Comms) Deregister(agentID string) error {
	c.mu.Lock()
	reg, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("agent %s is not registered", agentID)
	}
	delete(c.agents, agentID)
	c.mu.Unlock()

	if reg.inboxSub != nil {
		reg.inboxSub.Unsubscribe()
	}
	if reg.bcastSub != nil {
		reg.bcastSub.Unsubscribe()
	}

	c.wmu.Lock()
	for id, w := range c.waiters {
		if w.to == agentID {
			delete(c.waiters, id)
			close(w.gone)
		}
	}
	c.wmu.Unlock()

	c.log.Info("agent deregistered", "agent", agentID)
	return nil
}

// Send publishes the envelope to its recipient's inbox, fire and forget.
// Requests sent this way do not wait for a reply; that is Request.
func (c *Comms) Send(ctx context.Context, env envelope.Envelope) error {
	if env.To == "" || env.To == envelope.Broadcast {
		return fmt.Errorf("send needs a single recipient, got %q", env.To)
	}
	if err := c.broker.Publish(ctx, transport.InboxChannel(env.To), env); err != nil {
		return fmt.Errorf("send to %s: %w", env.To, err)
	}
	c.hist.add(env)
	return nil
}

// Request sends a request envelope and blocks until the correlated response
// arrives, the peer deregisters, the timeout elapses or ctx is cancelled.
// Any number of requests may be outstanding concurrently; each correlates
// independently by the request's envelope id. The sender must be registered:
// responses are delivered through its inbox subscription.
func (c *Comms) Request(ctx context.Context, env envelope.Envelope, timeout time.Duration) (envelope.Envelope, error) {
	if env.Kind != envelope.KindRequest {
		return envelope.Envelope{}, fmt.Errorf("request kind required, got %q", env.Kind)
	}
	if env.To == "" || env.To == envelope.Broadcast {
		return envelope.Envelope{}, fmt.Errorf("request needs a single recipient, got %q", env.To)
	}

	w := &waiter{
		to:   env.To,
		ch:   make(chan envelope.Envelope, 1),
		gone: make(chan struct{}),
	}

	// The waiter must exist before the request is on the wire, or a fast
	// reply could race past it.
	c.wmu.Lock()
	if _, dup := c.waiters[env.ID]; dup {
		c.wmu.Unlock()
		return envelope.Envelope{}, fmt.Errorf("request %s already in flight", env.ID)
	}
	c.waiters[env.ID] = w
	c.wmu.Unlock()

	if err := c.broker.Publish(ctx, transport.InboxChannel(env.To), env); err != nil {
		c.removeWaiter(env.ID)
		return envelope.Envelope{}, fmt.Errorf("send request to %s: %w", env.To, err)
	}
	c.hist.add(env)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-w.gone:
		return envelope.Envelope{}, fmt.Errorf("request %s to %s: %w", env.ID, env.To, ErrPeerGone)
	case <-timer.C:
		c.removeWaiter(env.ID)
		// A response may have been matched in the same instant; prefer it.
		select {
		case resp := <-w.ch:
			return resp, nil
		default:
		}
		return envelope.Envelope{}, fmt.Errorf("request %s to %s after %v: %w", env.ID, env.To, timeout, ErrRequestTimeout)
	case <-ctx.Done():
		c.removeWaiter(env.ID)
		return envelope.Envelope{}, ctx.Err()
	}
}

// Broadcast publishes the envelope once to the broadcast channel. Every
// registered agent except the sender receives it.
func (c *Comms) Broadcast(ctx context.Context, env envelope.Envelope) error {
	if err := c.broker.Publish(ctx, transport.BroadcastChannel, env); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	c.hist.add(env)
	return nil
}

// Agents returns the currently registered agent ids, sorted.
func (c *Comms) Agents() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.agents))
	for id := range c.agents {
		out = append(out, id)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// History returns recent envelopes touching the agent, oldest first. An
// empty agent id returns everything retained.
func (c *Comms) History(agentID string, limit int) []envelope.Envelope {
	return c.hist.forAgent(agentID, limit)
}

// deliver runs on the subscription goroutine of one registered agent.
// Correlated responses fulfill their waiter and stop there; everything else
// goes to the agent's inbound handler.
func (c *Comms) deliver(agentID string, env envelope.Envelope) {
	c.hist.add(env)

	if env.IsResponse() && c.fulfill(env) {
		return
	}

	c.mu.RLock()
	reg, ok := c.agents[agentID]
	var h Handler
	if ok {
		h = reg.handler
	}
	c.mu.RUnlock()

	if h == nil {
		c.log.Warn("dropping envelope for unregistered agent", "agent", agentID, "envelope", env.ID)
		return
	}
	if err := h.Handle(context.Background(), env); err != nil {
		c.log.Error("inbound handler failed",
			"agent", agentID, "envelope", env.ID, "kind", env.Kind, "error", err)
	}
}

// fulfill resolves the waiter matching the response's correlation id.
// The delete-then-send under the lock guarantees single fulfillment; a late
// duplicate simply finds no waiter and flows to the handler instead.
func (c *Comms) fulfill(env envelope.Envelope) bool {
	c.wmu.Lock()
	w, ok := c.waiters[env.CorrelationID]
	if ok {
		delete(c.waiters, env.CorrelationID)
	}
	c.wmu.Unlock()
	if !ok {
		return false
	}
	w.ch <- env
	return true
}

func (c *Comms) removeWaiter(id string) {
	c.wmu.Lock()
	delete(c.waiters, id)
	c.wmu.Unlock()
}
