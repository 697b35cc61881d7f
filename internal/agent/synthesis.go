package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synergos-io/synergos/internal/config"
	"github.com/synergos-io/synergos/internal/envelope"
	"github.com/synergos-io/synergos/internal/memory"
	"github.com/synergos-io/synergos/internal/provider"
	"github.com/synergos-io/synergos/internal/scoring"
	"github.com/synergos-io/synergos/internal/tasks"
)

const synthesisSystem = "You are an expert analyst. Synthesize the material into a coherent, well-reasoned output."

var styleInstructions = map[string]string{
	"summary":  "Produce a concise summary of the most important points and conclusions.",
	"report":   "Produce a structured report covering all aspects with detailed reasoning.",
	"analysis": "Analyze the material for patterns, relationships and key insights.",
}

// Synthesis combines multiple source texts into one coherent output. Sources
// come with the task input, from accumulated research_completed
// notifications, or by fanning research requests out to a research agent.
type Synthesis struct {
	*Runtime

	llm provider.Completer
	mem *memory.Store // nil skips context lookups and remembering
	log *slog.Logger

	// Scorer grades completions into a confidence. Replace before Start
	// to plug in a different heuristic.
	Scorer scoring.Func

	pmu     sync.Mutex
	pending map[string]pendingFinding // research query -> latest findings
}

type pendingFinding struct {
	From       string
	Findings   []string
	Confidence float64
}

func NewSynthesis(cfg config.AgentConfig, llm provider.Completer, mem *memory.Store, reg *tasks.Registry, opts ...Option) *Synthesis {
	a := &Synthesis{
		llm:     llm,
		mem:     mem,
		log:     slog.With("agent", cfg.ID, "type", "synthesis"),
		Scorer:  scoring.Score,
		pending: make(map[string]pendingFinding),
	}
	a.Runtime = NewRuntime(cfg.ID, a, reg, opts...)
	a.Runtime.inbound = a
	return a
}

// Process runs one synthesis task. A task without explicit sources consumes
// whatever research findings have accumulated since the last run.
func (a *Synthesis) Process(ctx context.Context, input envelope.Payload) (tasks.Result, error) {
	topic := strings.TrimSpace(input.String("topic"))
	style := input.String("style")
	if _, ok := styleInstructions[style]; !ok {
		style = "report"
	}

	sources := input.Strings("sources")
	if len(sources) == 0 {
		var queries []string
		sources, queries = a.takePending()
		if topic == "" && len(queries) > 0 {
			topic = strings.Join(queries, " and ")
		}
	}
	if topic == "" && len(sources) == 0 {
		return tasks.Result{}, errors.New("synthesis task needs a topic or sources")
	}

	prior := a.recall(topic)

	text, err := a.llm.Complete(ctx, provider.Request{
		System: synthesisSystem,
		Prompt: synthesisPrompt(topic, style, sources, prior),
	})
	if err != nil {
		return tasks.Result{}, fmt.Errorf("synthesize %q: %w", topic, err)
	}

	confidence := a.Scorer(text, len(sources))
	a.remember(topic, text, confidence)

	return tasks.Result{
		Content: envelope.Payload{
			"topic":          topic,
			"style":          style,
			"synthesis":      text,
			"sources_used":   len(sources),
			"memory_matches": len(prior),
		},
		Confidence: confidence,
	}, nil
}

// RequestResearch fans one correlated request per query out to the research
// agent, concurrently, and collects the response payloads in query order.
// One failed or timed-out query fails the whole call. The agent must be
// running: responses arrive through its own inbox.
func (a *Synthesis) RequestResearch(ctx context.Context, researchAgent string, queries []string, timeout time.Duration) ([]envelope.Payload, error) {
	if a.comm == nil {
		return nil, errors.New("no communication handler attached")
	}
	if a.State() != StateRunning {
		return nil, fmt.Errorf("agent %s: %w", a.id, ErrNotStarted)
	}

	results := make([]envelope.Payload, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, query := range queries {
		g.Go(func() error {
			req, err := envelope.New(a.id, researchAgent, envelope.KindRequest, envelope.Payload{
				"action": "research",
				"query":  query,
			})
			if err != nil {
				return err
			}
			resp, err := a.comm.Request(gctx, req, timeout)
			if err != nil {
				return fmt.Errorf("research %q: %w", query, err)
			}
			if msg := resp.Payload.String("error"); msg != "" {
				return fmt.Errorf("research %q: %s", query, msg)
			}
			results[i] = resp.Payload
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Handle implements comms.Handler. research_completed notifications
// accumulate for the next sourceless synthesis; requests with action
// "synthesize" become tasks answered by correlated response.
func (a *Synthesis) Handle(ctx context.Context, env envelope.Envelope) error {
	switch env.Kind {
	case envelope.KindNotification, envelope.KindBroadcast:
		if env.Payload.String("event") == "research_completed" {
			a.addPending(env)
		}
		return nil
	case envelope.KindRequest:
		if action := env.Payload.String("action"); action != "synthesize" {
			a.reply(env, envelope.Payload{"error": fmt.Sprintf("unsupported action %q", action)})
			return nil
		}
		return a.submitAndReply(ctx, env, envelope.Payload{
			"topic":   env.Payload.String("topic"),
			"style":   env.Payload.String("style"),
			"sources": env.Payload.Strings("sources"),
		})
	default:
		a.log.Debug("ignoring envelope", "kind", env.Kind, "from", env.From)
		return nil
	}
}

// PendingResearch returns how many accumulated research findings await the
// next sourceless synthesis.
func (a *Synthesis) PendingResearch() int {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	return len(a.pending)
}

func (a *Synthesis) addPending(env envelope.Envelope) {
	query := env.Payload.String("query")
	findings := env.Payload.Strings("findings")
	if query == "" || len(findings) == 0 {
		return
	}
	a.pmu.Lock()
	a.pending[query] = pendingFinding{
		From:       env.From,
		Findings:   findings,
		Confidence: env.Payload.Float("confidence"),
	}
	a.pmu.Unlock()
	a.log.Debug("research findings accumulated", "query", query, "from", env.From)
}

// takePending drains the accumulated findings into synthesis sources,
// ordered by query for deterministic prompts.
func (a *Synthesis) takePending() (sources, queries []string) {
	a.pmu.Lock()
	defer a.pmu.Unlock()

	queries = make([]string, 0, len(a.pending))
	for q := range a.pending {
		queries = append(queries, q)
	}
	sort.Strings(queries)

	for _, q := range queries {
		p := a.pending[q]
		sources = append(sources, fmt.Sprintf("Research on %q (confidence %.2f): %s",
			q, p.Confidence, strings.Join(p.Findings, "; ")))
	}
	a.pending = make(map[string]pendingFinding)
	return sources, queries
}

func (a *Synthesis) recall(topic string) []memory.Record {
	if a.mem == nil || topic == "" {
		return nil
	}
	recs, err := a.mem.Search(memory.Query{
		AgentID: a.id,
		Text:    topic,
		Tags:    []string{"research", "synthesis"},
		Limit:   5,
	})
	if err != nil {
		a.log.Warn("memory search failed", "topic", topic, "error", err)
		return nil
	}
	return recs
}

func (a *Synthesis) remember(topic, text string, confidence float64) {
	if a.mem == nil {
		return
	}
	importance := confidence
	if importance > 0.95 {
		importance = 0.95
	}
	if _, err := a.mem.Remember(memory.Record{
		AgentID:    a.id,
		Kind:       memory.KindSemantic,
		Content:    topic + "\n" + text,
		Tags:       []string{"synthesis", "analysis"},
		Importance: importance,
	}); err != nil {
		a.log.Warn("remember synthesis failed", "topic", topic, "error", err)
	}
}

func synthesisPrompt(topic, style string, sources []string, prior []memory.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", topic)

	b.WriteString("\nInstructions:\n")
	fmt.Fprintf(&b, "- %s\n", styleInstructions[style])
	b.WriteString("- Add value beyond restating the sources.\n")

	if len(sources) > 0 {
		b.WriteString("\nSources:\n")
		for i, src := range sources {
			fmt.Fprintf(&b, "%d. %s\n", i+1, src)
		}
	}
	if len(prior) > 0 {
		b.WriteString("\nPrior context:\n")
		for _, rec := range prior {
			fmt.Fprintf(&b, "- %s\n", snippet(rec.Content, 160))
		}
	}
	return b.String()
}
