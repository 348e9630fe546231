// Package history records terminal run results. Records are observational:
// the engine never reads them back to resume a run.
package history

import (
	"context"
	"sync"
	"time"
)

// RunRecord is the terminal digest of one workflow run.
type RunRecord struct {
	RunID       string         `json:"run_id"`
	WorkflowID  string         `json:"workflow_id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	TaskCount   int            `json:"task_count"`
	FailedTasks []string       `json:"failed_tasks,omitempty"`
	Summary     map[string]any `json:"summary,omitempty"`
}

// Recorder receives terminal run records.
type Recorder interface {
	Record(ctx context.Context, rec *RunRecord) error
}

// MemoryRecorder keeps records in memory. Used in tests and as the default
// when no database is configured.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []*RunRecord
}

// NewMemoryRecorder creates an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, rec *RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// Records returns a snapshot of all recorded runs, oldest first.
func (r *MemoryRecorder) Records() []*RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RunRecord, len(r.records))
	copy(out, r.records)
	return out
}
