package comms

import (
	"sync"

	"github.com/synergos-io/synergos/internal/envelope"
)

const (
	historyMax  = 1000 // trim threshold
	historyKeep = 500  // size after trimming
)

// history is a bounded log of every envelope this process published or
// delivered, deduplicated by envelope id (a broadcast fans out to many
// handlers but is one message).
type history struct {
	mu      sync.Mutex
	max     int
	keep    int
	entries []envelope.Envelope
	seen    map[string]struct{}
}

func newHistory(max, keep int) *history {
	return &history{
		max:  max,
		keep: keep,
		seen: make(map[string]struct{}, max),
	}
}

func (h *history) add(env envelope.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, dup := h.seen[env.ID]; dup {
		return
	}
	h.seen[env.ID] = struct{}{}
	h.entries = append(h.entries, env)

	if len(h.entries) > h.max {
		trimmed := make([]envelope.Envelope, h.keep)
		copy(trimmed, h.entries[len(h.entries)-h.keep:])
		h.entries = trimmed
		h.seen = make(map[string]struct{}, h.max)
		for _, e := range trimmed {
			h.seen[e.ID] = struct{}{}
		}
	}
}

// forAgent returns up to limit recent envelopes sent by or addressed to the
// agent, oldest first. An empty agent id matches everything.
func (h *history) forAgent(agentID string, limit int) []envelope.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	if limit <= 0 {
		limit = len(h.entries)
	}
	out := make([]envelope.Envelope, 0, limit)
	for i := len(h.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := h.entries[i]
		if agentID == "" || e.From == agentID || e.To == agentID {
			out = append(out, e)
		}
	}
	// collected newest-first; flip to chronological
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
