// Package memory persists what agents learn. Records carry a kind
// (episodic, semantic, procedural), free-form tags and an importance score;
// a store-wide TTL ages them out. Backed by SQLite so memories survive
// process restarts.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/synergos-io/synergos/internal/config"
)

const (
	KindEpisodic   = "episodic"
	KindSemantic   = "semantic"
	KindProcedural = "procedural"
)

var ErrNotFound = errors.New("memory not found")

// Record is one remembered item.
type Record struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	Kind       string     `json:"kind"`
	Content    string     `json:"content"`
	Tags       []string   `json:"tags,omitempty"`
	Importance float64    `json:"importance"`
	Accessed   int        `json:"accessed"`
	LastAccess *time.Time `json:"last_access,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Query filters Search. Zero fields match everything; Text is a
// case-insensitive substring of the content, Tags match on any overlap.
type Query struct {
	AgentID string
	Text    string
	Kind    string
	Tags    []string
	Limit   int // 0 means 10
}

type Store struct {
	db    *sql.DB
	ttl   time.Duration
	sweep time.Duration
	log   *slog.Logger
}

func Open(cfg config.MemoryConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{
		db:    db,
		ttl:   cfg.TTL,
		sweep: cfg.SweepInterval,
		log:   slog.With("component", "memory"),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id          TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			kind        TEXT NOT NULL,
			content     TEXT NOT NULL,
			tags        TEXT,
			importance  REAL NOT NULL DEFAULT 0.5,
			accessed    INTEGER NOT NULL DEFAULT 0,
			last_access DATETIME,
			created_at  DATETIME NOT NULL,
			expires_at  DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_agent ON memories(agent_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_expiry ON memories(expires_at)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name       TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

// Remember stores a record and returns its id. An empty kind defaults to
// episodic, zero importance to 0.5. The store's TTL sets the expiry;
// a zero TTL keeps records forever.
func (s *Store) Remember(rec Record) (string, error) {
	if rec.AgentID == "" {
		return "", errors.New("memory needs an agent id")
	}
	if rec.Content == "" {
		return "", errors.New("memory content is required")
	}
	if rec.Kind == "" {
		rec.Kind = KindEpisodic
	}
	if !knownKind(rec.Kind) {
		return "", fmt.Errorf("unknown memory kind %q", rec.Kind)
	}
	if rec.Importance == 0 {
		rec.Importance = 0.5
	}
	if rec.Importance < 0 {
		rec.Importance = 0
	}
	if rec.Importance > 1 {
		rec.Importance = 1
	}

	rec.ID = uuid.New().String()
	rec.CreatedAt = time.Now().UTC()

	var tags any
	if len(rec.Tags) > 0 {
		data, err := json.Marshal(rec.Tags)
		if err != nil {
			return "", fmt.Errorf("encode tags: %w", err)
		}
		tags = string(data)
	}

	var expires any
	if s.ttl > 0 {
		expires = rec.CreatedAt.Add(s.ttl)
	}

	_, err := s.db.Exec(`
		INSERT INTO memories (id, agent_id, kind, content, tags, importance, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.Kind, rec.Content, tags, rec.Importance, rec.CreatedAt, expires)
	if err != nil {
		return "", fmt.Errorf("save memory: %w", err)
	}
	return rec.ID, nil
}

// Recall returns the record by id and bumps its access counter. Expired
// records are gone even if the sweeper has not caught up yet.
func (s *Store) Recall(id string) (Record, error) {
	row := s.db.QueryRow(`
		SELECT id, agent_id, kind, content, tags, importance, accessed, last_access, created_at, expires_at
		FROM memories
		WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		id, time.Now().UTC())

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("recall memory: %w", err)
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec(`
		UPDATE memories SET accessed = accessed + 1, last_access = ? WHERE id = ?`,
		now, id); err != nil {
		return Record{}, fmt.Errorf("touch memory: %w", err)
	}
	rec.Accessed++
	rec.LastAccess = &now
	return rec, nil
}

// Search returns live records matching the query, most important and most
// recent first.
func (s *Store) Search(q Query) ([]Record, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}

	sqlq := `
		SELECT id, agent_id, kind, content, tags, importance, accessed, last_access, created_at, expires_at
		FROM memories
		WHERE (expires_at IS NULL OR expires_at > ?)`
	args := []any{time.Now().UTC()}

	if q.AgentID != "" {
		sqlq += ` AND agent_id = ?`
		args = append(args, q.AgentID)
	}
	if q.Kind != "" {
		sqlq += ` AND kind = ?`
		args = append(args, q.Kind)
	}
	if q.Text != "" {
		sqlq += ` AND content LIKE ?`
		args = append(args, "%"+q.Text+"%")
	}
	if len(q.Tags) > 0 {
		// Tags are stored as a JSON array; a quoted tag is a reliable
		// needle inside it.
		parts := make([]string, len(q.Tags))
		for i, tag := range q.Tags {
			parts[i] = `tags LIKE ?`
			quoted, _ := json.Marshal(tag)
			args = append(args, "%"+string(quoted)+"%")
		}
		sqlq += ` AND (` + strings.Join(parts, " OR ") + `)`
	}

	sqlq += ` ORDER BY importance DESC, created_at DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.Query(sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Forget deletes the record. It reports whether anything was removed.
func (s *Store) Forget(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("forget memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Stats reports live record counts per kind.
func (s *Store) Stats() (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT kind, COUNT(*) FROM memories
		WHERE expires_at IS NULL OR expires_at > ?
		GROUP BY kind`, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("memory stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[kind] = count
	}
	return stats, rows.Err()
}

// Run sweeps expired records until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.sweep
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.evictExpired(); err != nil {
				s.log.Error("memory sweep failed", "error", err)
			} else if n > 0 {
				s.log.Debug("swept expired memories", "count", n)
			}
		}
	}
}

func (s *Store) evictExpired() (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func knownKind(kind string) bool {
	switch kind {
	case KindEpisodic, KindSemantic, KindProcedural:
		return true
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var rec Record
	var tags sql.NullString
	var lastAccess, expires sql.NullTime
	err := s.Scan(&rec.ID, &rec.AgentID, &rec.Kind, &rec.Content, &tags,
		&rec.Importance, &rec.Accessed, &lastAccess, &rec.CreatedAt, &expires)
	if err != nil {
		return Record{}, err
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &rec.Tags); err != nil {
			return Record{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	if lastAccess.Valid {
		t := lastAccess.Time
		rec.LastAccess = &t
	}
	if expires.Valid {
		t := expires.Time
		rec.ExpiresAt = &t
	}
	return rec, nil
}
