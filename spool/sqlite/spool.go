// Package sqlite spools undeliverable event batches to a local SQLite file
// so telemetry survives collector outages and process restarts.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/costlens/meter-sdk-go/event"
	"github.com/costlens/meter-sdk-go/spool"
)

//go:embed schema.sql
var schemaSQL string

type Spool struct {
	db *sql.DB
}

// New opens (or creates) the spool database at path.
func New(path string) (*Spool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("spool path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize spool schema: %w", err)
	}
	return &Spool{db: db}, nil
}

func (s *Spool) Save(ctx context.Context, events []event.Event) error {
	if s == nil || s.db == nil || len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin spool tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT OR IGNORE INTO spooled_events (event_id, created_at, payload) VALUES (?, ?, ?);`
	for _, ev := range events {
		ev.Normalize()
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode spooled event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q, ev.ID, ev.CreatedAt.UTC().Format(time.RFC3339Nano), string(payload)); err != nil {
			return fmt.Errorf("failed to save spooled event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit spool tx: %w", err)
	}
	return nil
}

func (s *Spool) Drain(ctx context.Context, max int) ([]event.Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if max <= 0 {
		max = 64
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, payload FROM spooled_events ORDER BY created_at ASC LIMIT ?;`, max)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	var ids []any
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan spooled event: %w", err)
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			// A corrupt row must not wedge the spool; drop it with the id.
			ids = append(ids, id)
			continue
		}
		events = append(events, ev)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate spool: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM spooled_events WHERE event_id IN (`+placeholders+`);`, ids...); err != nil {
		return nil, fmt.Errorf("failed to remove drained events: %w", err)
	}
	return events, nil
}

func (s *Spool) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ spool.Spool = (*Spool)(nil)
