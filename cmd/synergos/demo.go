package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/synergos-io/synergos/internal/agent"
	"github.com/synergos-io/synergos/internal/comms"
	"github.com/synergos-io/synergos/internal/config"
	"github.com/synergos-io/synergos/internal/envelope"
	"github.com/synergos-io/synergos/internal/provider"
	"github.com/synergos-io/synergos/internal/tasks"
	"github.com/synergos-io/synergos/internal/transport"
)

// runDemo plays a canned collaboration scenario on an embedded broker: a
// synthesis agent fans research requests out to a research agent over the
// bus, collects the correlated responses and synthesizes them.
func runDemo() error {
	srv, err := transport.NewServer(config.NATSConfig{Port: 0})
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	defer srv.Close()

	broker, err := transport.DialNATS(srv.ClientURL())
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer broker.Close()

	comm := comms.New(broker)
	reg := tasks.NewRegistry()

	llm := provider.Func(cannedCompletion)
	opts := []agent.Option{agent.WithComms(comm), agent.WithTaskTimeout(10 * time.Second)}

	research := agent.NewResearch(config.AgentConfig{ID: "research-1", Type: "research", Specialty: "distributed systems"}, llm, nil, reg, opts...)
	synthesis := agent.NewSynthesis(config.AgentConfig{ID: "synthesis-1", Type: "synthesis"}, llm, nil, reg, opts...)

	ctx := context.Background()
	for _, rt := range []interface {
		Start(context.Context) error
	}{research, synthesis} {
		if err := rt.Start(ctx); err != nil {
			return err
		}
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		synthesis.Stop(stopCtx)
		research.Stop(stopCtx)
	}()

	fmt.Println("== synergos demo ==")
	fmt.Println()

	// Broadcast: everyone except the sender sees it.
	hello, err := envelope.New("synthesis-1", envelope.Broadcast, envelope.KindBroadcast, envelope.Payload{
		"event": "hello",
	})
	if err != nil {
		return err
	}
	if err := comm.Broadcast(ctx, hello); err != nil {
		return err
	}
	fmt.Println("synthesis-1 broadcast a hello to all agents")

	// Fan research out over the bus, one correlated request per query.
	queries := []string{"message brokers", "task queues"}
	fmt.Printf("synthesis-1 requests research on %v from research-1\n", queries)
	findings, err := synthesis.RequestResearch(ctx, "research-1", queries, 15*time.Second)
	if err != nil {
		return fmt.Errorf("request research: %w", err)
	}

	var sources []string
	for _, f := range findings {
		fmt.Printf("  research %q answered with confidence %.2f\n", f.String("query"), f.Float("confidence"))
		sources = append(sources, strings.Join(f.Strings("findings"), "; "))
	}

	// Synthesize the collected findings as a regular task.
	taskID, err := synthesis.Submit(ctx, envelope.Payload{
		"topic":   "coordinating distributed work",
		"style":   "summary",
		"sources": sources,
	})
	if err != nil {
		return fmt.Errorf("submit synthesis: %w", err)
	}

	res, err := synthesis.Result(ctx, taskID, 15*time.Second)
	if err != nil {
		return fmt.Errorf("await synthesis: %w", err)
	}

	fmt.Println()
	fmt.Printf("synthesis (confidence %.2f):\n%s\n", res.Confidence, res.Content.String("synthesis"))
	return nil
}

// cannedCompletion fakes the completion capability with deterministic
// sectioned output, so the demo runs without credentials or network.
func cannedCompletion(_ context.Context, req provider.Request) (string, error) {
	if strings.Contains(req.System, "research") {
		return "FINDINGS:\n" +
			"- Decoupling producers from consumers absorbs load spikes\n" +
			"- Correlation identifiers let independent workers converse\n" +
			"- At-most-once delivery keeps the transport simple\n" +
			"SOURCES:\n" +
			"- Enterprise Integration Patterns\n" +
			"- NATS documentation\n" +
			"INSIGHTS:\n" +
			"- The broker should own delivery, never business logic\n", nil
	}
	return "Distributed work coordination rests on three habits:\n" +
		"1. Submit work asynchronously and track it to a terminal state.\n" +
		"2. Correlate every response with the request it answers.\n" +
		"3. Bound every wait with a timeout so nothing hangs forever.\n", nil
}
