package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/tasklace/tasklace/pkg/schema"
)

// LibSQLRecorder persists run records to a libSQL database (embedded SQLite
// fork). One row per terminal run.
type LibSQLRecorder struct {
	db *sql.DB
}

// NewLibSQLRecorder opens a libSQL database at the given path and ensures
// the run_history table exists. The path should be a file URI, e.g.
// "file:/path/to/db.db".
func NewLibSQLRecorder(dbPath string) (*LibSQLRecorder, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS run_history (
		run_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		task_count INTEGER NOT NULL,
		failed_tasks TEXT,
		summary TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create run_history: %w", err)
	}

	return &LibSQLRecorder{db: db}, nil
}

// Close closes the database.
func (r *LibSQLRecorder) Close() error { return r.db.Close() }

// Record inserts one terminal run record.
func (r *LibSQLRecorder) Record(ctx context.Context, rec *RunRecord) error {
	summary, err := nullableJSON(rec.Summary)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal run summary").WithCause(err)
	}

	var failed sql.NullString
	if len(rec.FailedTasks) > 0 {
		failed = sql.NullString{String: strings.Join(rec.FailedTasks, ","), Valid: true}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO run_history
		 (run_id, workflow_id, name, status, started_at, finished_at, task_count, failed_tasks, summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.WorkflowID, rec.Name, rec.Status,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(), rec.TaskCount, failed, summary,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert run record").WithCause(err)
	}
	return nil
}

// Recent returns the most recent run records, newest first.
func (r *LibSQLRecorder) Recent(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id, workflow_id, name, status, started_at, finished_at, task_count, failed_tasks, summary
		 FROM run_history ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "query run history").WithCause(err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		rec := &RunRecord{}
		var failed, summary sql.NullString
		var started, finished time.Time
		if err := rows.Scan(&rec.RunID, &rec.WorkflowID, &rec.Name, &rec.Status,
			&started, &finished, &rec.TaskCount, &failed, &summary); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan run record").WithCause(err)
		}
		rec.StartedAt = started
		rec.FinishedAt = finished
		if failed.Valid && failed.String != "" {
			rec.FailedTasks = strings.Split(failed.String, ",")
		}
		if summary.Valid && summary.String != "" {
			_ = json.Unmarshal([]byte(summary.String), &rec.Summary)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullableJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
