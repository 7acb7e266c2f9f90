package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed history of task events.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewStore opens (creating if needed) the database at path and applies the
// schema.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Readers run concurrently with the event consumer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// RecordEvent appends one event to the history.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_events (task_id, capability, agent_id, kind, from_state, state, attempt, outcome, error, duration_ms, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TaskID, ev.Capability, ev.AgentID, string(ev.Kind), string(ev.From), string(ev.State),
		ev.Attempt, string(ev.Outcome), ev.Error, ev.Duration.Milliseconds(), ev.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record event %s: %w", ev.TaskID, err)
	}
	return nil
}

// HistoryQuery selects events. An empty TaskID returns the most recent events
// across all tasks.
type HistoryQuery struct {
	TaskID string
	Limit  int
}

// History returns events oldest first.
func (s *Store) History(ctx context.Context, q HistoryQuery) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT task_id, capability, agent_id, kind, from_state, state, attempt, outcome, error, duration_ms, at
		FROM (SELECT * FROM task_events`
	var args []any
	if q.TaskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, q.TaskID)
	}
	query += ` ORDER BY id DESC LIMIT ?) ORDER BY id ASC`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev                      Event
			kind, from, state, outc string
			durationMS              int64
			at                      string
		)
		if err := rows.Scan(&ev.TaskID, &ev.Capability, &ev.AgentID, &kind, &from, &state, &ev.Attempt, &outc, &ev.Error, &durationMS, &at); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		ev.Kind = EventKind(kind)
		ev.From = TaskState(from)
		ev.State = TaskState(state)
		ev.Outcome = Outcome(outc)
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse event time %q: %w", at, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Consume records events from ch until it closes or ctx is done. Write
// failures are logged and do not stop consumption.
func (s *Store) Consume(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.RecordEvent(ctx, ev); err != nil {
				log.Warn().Err(err).Msg("history store")
			}
		}
	}
}
