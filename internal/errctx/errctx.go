// Package errctx accumulates task failures for a single workflow run and
// tracks how errors propagate along failure edges. Records feed the
// ${error.<task>.*} resolver root and the terminal error summary.
package errctx

import (
	"sort"
	"sync"
	"time"

	"github.com/tasklace/tasklace/pkg/schema"
)

// Context holds the error records of one run. Safe for concurrent use;
// writes come from the engine goroutine, reads from resolver and
// condition evaluation.
type Context struct {
	mu      sync.RWMutex
	records map[string]*schema.ErrorRecord
	hops    int
	latest  *schema.ErrorRecord

	now func() time.Time
}

// New creates an empty error context.
func New() *Context {
	return &Context{
		records: make(map[string]*schema.ErrorRecord),
		now:     time.Now,
	}
}

// Record stores a failure for taskID. The propagation chain starts at the
// originating task. Recording again for the same task overwrites the
// previous record, which happens when a retried task fails again.
func (c *Context) Record(taskID, message, code string, details map[string]any) *schema.ErrorRecord {
	ts := c.now()
	rec := &schema.ErrorRecord{
		TaskID:    taskID,
		Message:   message,
		Code:      code,
		Details:   details,
		Timestamp: ts,
		Chain:     []schema.Hop{{TaskID: taskID, Timestamp: ts}},
	}

	c.mu.Lock()
	c.records[taskID] = rec
	c.latest = rec
	c.mu.Unlock()
	return rec
}

// RecordError stores a failure extracted from err. FlowErrors keep their
// code and details.
func (c *Context) RecordError(taskID string, err error) *schema.ErrorRecord {
	if fe, ok := err.(*schema.FlowError); ok {
		return c.Record(taskID, fe.Message, fe.Code, fe.Details)
	}
	return c.Record(taskID, err.Error(), "", nil)
}

// Propagate copies the source task's failure into a new record for target
// when the failure is routed along a failure edge. The target's chain
// extends the source's chain by one hop. Returns nil when source has no
// record.
func (c *Context) Propagate(sourceID, targetID string) *schema.ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	src, ok := c.records[sourceID]
	if !ok {
		return nil
	}

	ts := c.now()
	chain := make([]schema.Hop, len(src.Chain), len(src.Chain)+1)
	copy(chain, src.Chain)
	chain = append(chain, schema.Hop{TaskID: targetID, Timestamp: ts})

	rec := &schema.ErrorRecord{
		TaskID:    targetID,
		Message:   src.Message,
		Code:      src.Code,
		Details:   src.Details,
		Timestamp: ts,
		Chain:     chain,
	}
	c.records[targetID] = rec
	c.latest = rec
	c.hops++
	return rec
}

// Get returns the record for taskID, or nil.
func (c *Context) Get(taskID string) *schema.ErrorRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records[taskID]
}

// Len returns the number of tasks with recorded errors.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// AsMap renders all records keyed by task ID for the ${error.*} root.
func (c *Context) AsMap() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := make(map[string]any, len(c.records))
	for id, rec := range c.records {
		m[id] = rec.AsMap()
	}
	return m
}

// Summary computes the categorized digest of all recorded failures.
// Returns nil when no errors were recorded.
func (c *Context) Summary() *schema.ErrorSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.records) == 0 {
		return nil
	}

	tasks := make([]string, 0, len(c.records))
	for id := range c.records {
		tasks = append(tasks, id)
	}
	sort.Strings(tasks)

	return &schema.ErrorSummary{
		ErrorCount:       len(c.records),
		TasksWithErrors:  tasks,
		PropagationCount: c.hops,
		LatestError:      c.latest,
	}
}
