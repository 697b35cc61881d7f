package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/synergos-io/synergos/internal/config"
	"github.com/synergos-io/synergos/internal/envelope"
	"github.com/synergos-io/synergos/internal/memory"
	"github.com/synergos-io/synergos/internal/provider"
	"github.com/synergos-io/synergos/internal/scoring"
	"github.com/synergos-io/synergos/internal/tasks"
)

const researchSystem = "You are a thorough research assistant. Provide accurate, well-sourced information."

var depthInstructions = map[string]string{
	"quick":    "Give a brief overview with only the key points.",
	"standard": "Give detailed information with multiple perspectives and examples.",
	"deep":     "Give a comprehensive analysis with detailed explanations, comparisons and implications.",
}

var typeInstructions = map[string]string{
	"general":     "Cover the topic broadly: main aspects and current understanding.",
	"technical":   "Focus on technical details, specifications and implementation aspects.",
	"comparative": "Compare the different options, approaches or solutions for this topic.",
}

// Research answers research queries with the completion provider, enriched
// by prior findings from the memory store. Peers collaborate by sending a
// request with payload action "research"; the answer comes back as a
// correlated response carrying the findings.
type Research struct {
	*Runtime

	llm       provider.Completer
	mem       *memory.Store // nil skips context lookups and remembering
	specialty string
	log       *slog.Logger

	// Scorer grades completions into a confidence. Replace before Start
	// to plug in a different heuristic.
	Scorer scoring.Func

	notemu        sync.Mutex
	notifications int
}

func NewResearch(cfg config.AgentConfig, llm provider.Completer, mem *memory.Store, reg *tasks.Registry, opts ...Option) *Research {
	a := &Research{
		llm:       llm,
		mem:       mem,
		specialty: cfg.Specialty,
		log:       slog.With("agent", cfg.ID, "type", "research"),
		Scorer:    scoring.Score,
	}
	a.Runtime = NewRuntime(cfg.ID, a, reg, opts...)
	a.Runtime.inbound = a
	return a
}

// Process runs one research task: recall related prior findings, ask the
// provider, parse the sectioned answer, grade it and remember it.
func (a *Research) Process(ctx context.Context, input envelope.Payload) (tasks.Result, error) {
	query := strings.TrimSpace(input.String("query"))
	if query == "" {
		return tasks.Result{}, errors.New("research task needs a query")
	}
	rtype := input.String("type")
	if _, ok := typeInstructions[rtype]; !ok {
		rtype = "general"
	}
	depth := input.String("depth")
	if _, ok := depthInstructions[depth]; !ok {
		depth = "standard"
	}

	prior := a.recall(query)

	text, err := a.llm.Complete(ctx, provider.Request{
		System: researchSystem,
		Prompt: researchPrompt(query, rtype, depth, a.specialty, prior),
	})
	if err != nil {
		return tasks.Result{}, fmt.Errorf("research %q: %w", query, err)
	}

	findings, sources, insights := parseSections(text)
	confidence := a.Scorer(text, len(sources))

	a.remember(query, findings, confidence)

	return tasks.Result{
		Content: envelope.Payload{
			"query":          query,
			"type":           rtype,
			"depth":          depth,
			"findings":       findings,
			"sources":        sources,
			"insights":       insights,
			"memory_matches": len(prior),
		},
		Confidence: confidence,
	}, nil
}

// Handle implements comms.Handler. Requests with action "research" become
// tasks answered by correlated response; notifications only bump a counter.
func (a *Research) Handle(ctx context.Context, env envelope.Envelope) error {
	switch env.Kind {
	case envelope.KindRequest:
		if action := env.Payload.String("action"); action != "research" {
			a.reply(env, envelope.Payload{"error": fmt.Sprintf("unsupported action %q", action)})
			return nil
		}
		return a.submitAndReply(ctx, env, envelope.Payload{
			"query": env.Payload.String("query"),
			"type":  env.Payload.String("type"),
			"depth": env.Payload.String("depth"),
		})
	case envelope.KindNotification, envelope.KindBroadcast:
		a.notemu.Lock()
		a.notifications++
		a.notemu.Unlock()
		a.log.Debug("notification received", "from", env.From, "envelope", env.ID)
		return nil
	default:
		a.log.Debug("ignoring envelope", "kind", env.Kind, "from", env.From)
		return nil
	}
}

// Notifications returns how many notification and broadcast envelopes the
// agent has seen.
func (a *Research) Notifications() int {
	a.notemu.Lock()
	defer a.notemu.Unlock()
	return a.notifications
}

func (a *Research) recall(query string) []memory.Record {
	if a.mem == nil {
		return nil
	}
	recs, err := a.mem.Search(memory.Query{
		AgentID: a.id,
		Text:    query,
		Tags:    []string{"research", "findings"},
		Limit:   5,
	})
	if err != nil {
		a.log.Warn("memory search failed", "query", query, "error", err)
		return nil
	}
	return recs
}

func (a *Research) remember(query string, findings []string, confidence float64) {
	if a.mem == nil {
		return
	}
	importance := confidence
	if importance > 0.95 {
		importance = 0.95
	}
	content := query
	if len(findings) > 0 {
		content += "\n" + strings.Join(findings, "\n")
	}
	if _, err := a.mem.Remember(memory.Record{
		AgentID:    a.id,
		Kind:       memory.KindSemantic,
		Content:    content,
		Tags:       []string{"research", "findings"},
		Importance: importance,
	}); err != nil {
		a.log.Warn("remember findings failed", "query", query, "error", err)
	}
}

func researchPrompt(query, rtype, depth, specialty string, prior []memory.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research query: %s\n", query)
	if specialty != "" {
		fmt.Fprintf(&b, "Your specialty: %s\n", specialty)
	}

	b.WriteString("\nInstructions:\n")
	fmt.Fprintf(&b, "- %s\n", typeInstructions[rtype])
	fmt.Fprintf(&b, "- %s\n", depthInstructions[depth])

	if len(prior) > 0 {
		b.WriteString("\nRelated prior findings:\n")
		for _, rec := range prior {
			fmt.Fprintf(&b, "- %s\n", snippet(rec.Content, 160))
		}
	}

	b.WriteString("\nStructure the response with exactly these sections:\n")
	b.WriteString("FINDINGS: the main findings, one per line\n")
	b.WriteString("SOURCES: sources consulted or implied, one per line\n")
	b.WriteString("INSIGHTS: implications and connections, one per line\n")
	return b.String()
}

// snippet flattens s to one line capped at max runes.
func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		s = string(r[:max])
	}
	return s
}
