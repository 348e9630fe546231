package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecorder(t *testing.T) {
	rec := NewMemoryRecorder()

	require.NoError(t, rec.Record(context.Background(), &RunRecord{
		RunID:      "r1",
		WorkflowID: "wf-1",
		Name:       "first",
		Status:     "completed",
		StartedAt:  time.Now().Add(-time.Second),
		FinishedAt: time.Now(),
		TaskCount:  3,
	}))
	require.NoError(t, rec.Record(context.Background(), &RunRecord{
		RunID:       "r2",
		WorkflowID:  "wf-2",
		Status:      "failed",
		FailedTasks: []string{"fetch"},
		Summary:     map[string]any{"error_count": 1},
	}))

	records := rec.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].RunID)
	assert.Equal(t, "failed", records[1].Status)
	assert.Equal(t, []string{"fetch"}, records[1].FailedTasks)

	// The snapshot is detached from later writes.
	require.NoError(t, rec.Record(context.Background(), &RunRecord{RunID: "r3"}))
	assert.Len(t, records, 2)
	assert.Len(t, rec.Records(), 3)
}

func TestMemoryRecorder_ConcurrentWrites(t *testing.T) {
	rec := NewMemoryRecorder()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rec.Record(context.Background(), &RunRecord{RunID: "r"})
		}()
	}
	wg.Wait()

	assert.Len(t, rec.Records(), 20)
}
