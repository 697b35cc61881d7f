package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/synergos-io/synergos/internal/envelope"
	"github.com/synergos-io/synergos/internal/memory"
	"github.com/synergos-io/synergos/internal/tasks"
)

// maxAwait caps the bounded wait a client may request on a task read.
const maxAwait = 60 * time.Second

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.getStatus)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("GET /api/agents/{id}/tasks", s.listAgentTasks)
	mux.HandleFunc("POST /api/agents/{id}/tasks", s.submitTask)
	mux.HandleFunc("GET /api/agents/{id}/history", s.getAgentHistory)

	// Tasks
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)

	// Memories
	mux.HandleFunc("GET /api/memories", s.searchMemories)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	pending := 0
	for _, a := range s.agents {
		for _, t := range a.Tasks() {
			if !t.Status.Terminal() {
				pending++
			}
		}
	}

	jsonResponse(w, map[string]any{
		"status":        "ok",
		"version":       s.version,
		"uptime":        formatUptime(time.Since(s.startedAt)),
		"agents_count":  len(s.agents),
		"registered":    s.comm.Agents(),
		"pending_tasks": pending,
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.agentToAPI(s.agents[id]))
	}
	jsonResponse(w, out)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agents[r.PathValue("id")]
	if !ok {
		jsonError(w, "unknown agent", http.StatusNotFound)
		return
	}
	jsonResponse(w, s.agentToAPI(a))
}

func (s *Server) agentToAPI(a Agent) map[string]any {
	var running, pending, done int
	for _, t := range a.Tasks() {
		switch {
		case t.Status == tasks.StatusRunning:
			running++
		case t.Status.Terminal():
			done++
		default:
			pending++
		}
	}
	return map[string]any{
		"id":    a.ID(),
		"state": string(a.State()),
		"tasks": map[string]int{
			"pending":  pending,
			"running":  running,
			"terminal": done,
		},
	}
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agents[r.PathValue("id")]
	if !ok {
		jsonError(w, "unknown agent", http.StatusNotFound)
		return
	}

	var input envelope.Payload
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := input.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := a.Submit(r.Context(), input)
	if err != nil {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, map[string]string{"task_id": id})
}

func (s *Server) listAgentTasks(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agents[r.PathValue("id")]
	if !ok {
		jsonError(w, "unknown agent", http.StatusNotFound)
		return
	}

	list := a.Tasks()
	out := make([]map[string]any, 0, len(list))
	for _, t := range list {
		out = append(out, taskToAPI(t))
	}
	jsonResponse(w, out)
}

// getTask returns the task snapshot. A timeout query parameter turns the
// read into a bounded await: the handler suspends until the task is
// terminal or the timeout elapses, then returns whatever state it reached.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			jsonError(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		if d > maxAwait {
			d = maxAwait
		}
		_, err = s.reg.AwaitResult(r.Context(), id, d)
		if errors.Is(err, tasks.ErrUnknownTask) {
			jsonError(w, "unknown task", http.StatusNotFound)
			return
		}
		// Terminal outcomes and wait timeouts both fall through to the
		// snapshot; the status field tells them apart.
	}

	t, ok := s.reg.Get(id)
	if !ok {
		jsonError(w, "unknown task", http.StatusNotFound)
		return
	}
	jsonResponse(w, taskToAPI(t))
}

func (s *Server) getAgentHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.agents[id]; !ok {
		jsonError(w, "unknown agent", http.StatusNotFound)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jsonResponse(w, s.comm.History(id, limit))
}

func (s *Server) searchMemories(w http.ResponseWriter, r *http.Request) {
	if s.mem == nil {
		jsonError(w, "memory store disabled", http.StatusNotImplemented)
		return
	}

	q := memory.Query{
		AgentID: r.URL.Query().Get("agent"),
		Text:    r.URL.Query().Get("q"),
		Kind:    r.URL.Query().Get("kind"),
	}
	if tag := r.URL.Query().Get("tag"); tag != "" {
		q.Tags = []string{tag}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}

	records, err := s.mem.Search(q)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []memory.Record{}
	}
	jsonResponse(w, records)
}

func taskToAPI(t tasks.Task) map[string]any {
	entry := map[string]any{
		"id":           t.ID,
		"owner":        t.Owner,
		"input":        t.Input,
		"status":       string(t.Status),
		"submitted_at": t.SubmittedAt,
	}
	if t.Status.Terminal() {
		entry["completed_at"] = t.CompletedAt
	}
	if t.Status == tasks.StatusCompleted {
		entry["result"] = map[string]any{
			"content":    t.Result.Content,
			"confidence": t.Result.Confidence,
			"elapsed_ms": t.Result.Elapsed.Milliseconds(),
		}
	}
	if t.Error != "" {
		entry["error"] = t.Error
	}
	return entry
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
