package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS events (
	workflow_id    TEXT    NOT NULL,
	sequence       INTEGER NOT NULL,
	id             TEXT    NOT NULL,
	type           TEXT    NOT NULL,
	task_id        TEXT    NOT NULL DEFAULT '',
	agent_id       TEXT    NOT NULL DEFAULT '',
	attempt        INTEGER NOT NULL DEFAULT 0,
	payload        TEXT    NOT NULL DEFAULT '',
	timestamp      TEXT    NOT NULL,
	trace_id       TEXT    NOT NULL DEFAULT '',
	schema_version INTEGER NOT NULL,
	PRIMARY KEY (workflow_id, sequence)
);`

// SQLStore implements Store on a SQLite database file.
type SQLStore struct {
	db     *sql.DB
	path   string
	config *Config
	mu     sync.Mutex
	closed bool
}

// NewSQLStore opens (or creates) the database at path.
func NewSQLStore(path string, cfg *Config) (*SQLStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// One connection serializes appends and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLStore{db: db, path: path, config: cfg}, nil
}

func (s *SQLStore) Append(ctx context.Context, workflowID string, expectedSeq int64, events ...*types.Event) ([]*types.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE workflow_id = ?`, workflowID,
	).Scan(&last); err != nil {
		return nil, fmt.Errorf("read last sequence: %w", err)
	}
	if last != expectedSeq {
		return nil, conflict(workflowID, expectedSeq, last)
	}

	prepared, err := prepare(workflowID, last, s.config.now(), events)
	if err != nil {
		return nil, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events
		(workflow_id, sequence, id, type, task_id, agent_id, attempt, payload, timestamp, trace_id, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, evt := range prepared {
		_, err := stmt.ExecContext(ctx,
			workflowID, evt.Sequence, evt.ID, string(evt.Type), evt.TaskID, evt.AgentID,
			evt.Attempt, string(evt.Payload), evt.Timestamp.Format(time.RFC3339Nano),
			evt.TraceID, evt.SchemaVersion,
		)
		if err != nil {
			var se sqlite3.Error
			if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
				return nil, conflict(workflowID, expectedSeq, evt.Sequence)
			}
			return nil, fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return cloneAll(prepared), nil
}

func (s *SQLStore) Read(ctx context.Context, workflowID string, fromSequence int64) ([]*types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		sequence, id, type, task_id, agent_id, attempt, payload, timestamp, trace_id, schema_version
		FROM events WHERE workflow_id = ? AND sequence >= ? ORDER BY sequence`,
		workflowID, fromSequence)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]*types.Event, 0)
	for rows.Next() {
		var (
			evt     types.Event
			typ     string
			payload string
			ts      string
		)
		if err := rows.Scan(&evt.Sequence, &evt.ID, &typ, &evt.TaskID, &evt.AgentID,
			&evt.Attempt, &payload, &ts, &evt.TraceID, &evt.SchemaVersion); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.WorkflowID = workflowID
		evt.Type = types.EventType(typ)
		if payload != "" {
			evt.Payload = json.RawMessage(payload)
		}
		if evt.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp of event %d: %w", evt.Sequence, err)
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}

func (s *SQLStore) LastSequence(ctx context.Context, workflowID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE workflow_id = ?`, workflowID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	return last, nil
}

func (s *SQLStore) Workflows(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT workflow_id FROM events ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return map[string]interface{}{
			"adapter": "sqlite",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	var count int64
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events`).Scan(&count)
	return map[string]interface{}{
		"adapter":     "sqlite",
		"healthy":     true,
		"path":        s.path,
		"event_count": count,
	}, nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)
