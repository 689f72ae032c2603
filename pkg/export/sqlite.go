package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/harun/rikka/pkg/dispatch"
)

// SQLiteSink stores runs in a local SQLite database, one row per run plus the
// flattened trace and per-model usage for querying.
type SQLiteSink struct {
	db *sql.DB
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		entry TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		output TEXT,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_entry ON runs(entry);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS trace_entries (
		run_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT,
		depth INTEGER NOT NULL,
		state TEXT NOT NULL,
		input TEXT,
		output TEXT,
		error TEXT,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (run_id, ord)
	);
	CREATE INDEX IF NOT EXISTS idx_trace_name ON trace_entries(name);

	CREATE TABLE IF NOT EXISTS usage (
		run_id TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		calls INTEGER NOT NULL,
		PRIMARY KEY (run_id, model)
	);
`

// NewSQLiteSink opens (or creates) the database and its schema.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open export database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init export schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Save implements Sink. The run and its children land in one transaction.
func (s *SQLiteSink) Save(ctx context.Context, run *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin export tx: %w", err)
	}
	defer tx.Rollback()

	output, err := encodeJSON(run.Output)
	if err != nil {
		return fmt.Errorf("encode run output: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, entry, started_at, duration_ms, output, error) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Entry, run.StartedAt.UnixMilli(), run.Duration.Milliseconds(), output, run.Error,
	); err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	for ord, rec := range run.Trace {
		if err := s.insertTraceEntry(ctx, tx, run.ID, ord, rec); err != nil {
			return err
		}
	}
	for model, usage := range run.Usage {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO usage (run_id, model, input_tokens, output_tokens, calls) VALUES (?, ?, ?, ?, ?)`,
			run.ID, model, usage.InputTokens, usage.OutputTokens, usage.Calls,
		); err != nil {
			return fmt.Errorf("insert usage for %s: %w", model, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", run.ID, err)
	}

	log.Debug().
		Str("run_id", run.ID).
		Str("entry", run.Entry).
		Msg("Run stored")
	return nil
}

func (s *SQLiteSink) insertTraceEntry(ctx context.Context, tx *sql.Tx, runID string, ord int, rec dispatch.TraceEntry) error {
	input, err := encodeJSON(rec.Input)
	if err != nil {
		return fmt.Errorf("encode trace input: %w", err)
	}
	output, err := encodeJSON(rec.Output)
	if err != nil {
		return fmt.Errorf("encode trace output: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trace_entries (run_id, ord, id, name, kind, depth, state, input, output, error, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ord, rec.ID, rec.Name, string(rec.Kind), rec.Depth, string(rec.State),
		input, output, rec.Error, rec.StartedAt.UnixMilli(), rec.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("insert trace entry %d: %w", ord, err)
	}
	return nil
}

// RunSummary is one stored run, without its trace.
type RunSummary struct {
	ID       string
	Entry    string
	Error    string
	Duration int64 // milliseconds
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteSink) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entry, error, duration_ms FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Entry, &r.Error, &r.Duration); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
