package schema

import (
	"strings"
	"time"
)

// TaskKind selects the execution strategy for a task.
type TaskKind string

const (
	KindTool    TaskKind = "tool"
	KindModel   TaskKind = "model"
	KindHandler TaskKind = "handler"

	// CustomKindPrefix namespaces user-registered strategies.
	CustomKindPrefix = "custom:"
)

// CustomKind builds the kind for a user-registered strategy.
func CustomKind(name string) TaskKind {
	return TaskKind(CustomKindPrefix + name)
}

// Valid reports whether the kind is a built-in or a named custom kind.
func (k TaskKind) Valid() bool {
	switch k {
	case KindTool, KindModel, KindHandler:
		return true
	}
	return strings.HasPrefix(string(k), CustomKindPrefix) && len(k) > len(CustomKindPrefix)
}

// TaskStatus enumerates the per-task state machine.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the status is terminal.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// WorkflowStatus enumerates the workflow state machine.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// RetryPolicy configures retry behavior for a task. Durations use Go
// duration syntax ("500ms", "2s").
type RetryPolicy struct {
	MaxRetries int    `json:"max_retries"`
	Backoff    string `json:"backoff,omitempty"` // none | constant | linear | exponential
	Delay      string `json:"delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
}

// JoinType is the synchronization policy for a task with multiple
// predecessors.
type JoinType string

const (
	JoinAll   JoinType = "all"
	JoinAny   JoinType = "any"
	JoinCount JoinType = "count"
)

// JoinSpec describes when a task with multiple dependencies becomes ready.
type JoinSpec struct {
	Type  JoinType `json:"type"`
	Count int      `json:"count,omitempty"` // required predecessors for JoinCount
}

// Branch is one row of a condition-keyed branch table. When is evaluated
// against the produced output; the first true row selects the next task.
type Branch struct {
	When string `json:"when"`
	To   string `json:"to"`
}

// Task is a single node of work in a workflow graph.
type Task struct {
	ID        string         `json:"id"`
	Kind      TaskKind       `json:"kind"`
	Action    string         `json:"action,omitempty"` // tool name or handler lookup name
	Input     map[string]any `json:"input,omitempty"`  // template: literals and ${...} expressions
	Condition string         `json:"condition,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	OnSuccess string         `json:"on_success,omitempty"`
	OnFailure string         `json:"on_failure,omitempty"`
	Branches  []Branch       `json:"branches,omitempty"`
	Retry     *RetryPolicy   `json:"retry,omitempty"`
	Parallel  bool           `json:"parallel,omitempty"`
	Join      *JoinSpec      `json:"join,omitempty"`
	Transform string         `json:"transform,omitempty"` // jq expression applied to the success payload
	Timeout   time.Duration  `json:"timeout,omitempty"`   // per-attempt deadline on the strategy call

	// Handler carries the function reference for handler-kind tasks. When
	// nil, the strategy looks Action up through its provider.
	Handler any `json:"-"`

	// Mutable run state, owned by the engine.
	Status  TaskStatus  `json:"status,omitempty"`
	Output  *TaskOutput `json:"output,omitempty"`
	Attempt int         `json:"attempt,omitempty"`
}

// MaxRetries returns the configured retry ceiling, zero when absent.
func (t *Task) MaxRetries() int {
	if t.Retry == nil {
		return 0
	}
	return t.Retry.MaxRetries
}

// Workflow is a named graph of tasks with shared variables.
type Workflow struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Variables map[string]any `json:"variables,omitempty"`
	Tasks     map[string]*Task
	Order     []string // declared task order, drives non-parallel dispatch

	Status       WorkflowStatus `json:"status,omitempty"`
	ErrorSummary *ErrorSummary  `json:"error_summary,omitempty"`
}

// NewWorkflow creates an empty workflow.
func NewWorkflow(id, name string) *Workflow {
	return &Workflow{
		ID:        id,
		Name:      name,
		Variables: make(map[string]any),
		Tasks:     make(map[string]*Task),
		Status:    WorkflowStatusPending,
	}
}

// AddTask registers a task, preserving declaration order.
func (w *Workflow) AddTask(t *Task) error {
	if t == nil {
		return NewError(ErrCodeValidation, "task is nil")
	}
	if t.ID == "" {
		return NewError(ErrCodeValidation, "task has empty ID")
	}
	if _, exists := w.Tasks[t.ID]; exists {
		return NewErrorf(ErrCodeConflict, "duplicate task ID: %s", t.ID)
	}
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	w.Tasks[t.ID] = t
	w.Order = append(w.Order, t.ID)
	return nil
}

// Task returns a task by ID, or nil.
func (w *Workflow) Task(id string) *Task {
	return w.Tasks[id]
}

// Hop is one entry of an error propagation chain.
type Hop struct {
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorRecord is one recorded task failure for a run.
type ErrorRecord struct {
	TaskID    string         `json:"task_id"`
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// Chain is the append-only ordered list of propagation hops, starting
	// with the task the error originated at.
	Chain []Hop `json:"propagation_chain"`
}

// AsMap renders the record for ${error.<task>.*} references. Code and
// details are exposed under both their short and error_-prefixed names.
func (r *ErrorRecord) AsMap() map[string]any {
	m := map[string]any{
		"task_id":    r.TaskID,
		"message":    r.Message,
		"error":      r.Message,
		"code":       r.Code,
		"error_code": r.Code,
		"timestamp":  r.Timestamp,
	}
	if r.Details != nil {
		m["details"] = r.Details
		m["error_details"] = r.Details
	}
	return m
}

// ErrorSummary is the categorized failure digest computed once at a run's
// terminal state.
type ErrorSummary struct {
	ErrorCount       int          `json:"error_count"`
	TasksWithErrors  []string     `json:"tasks_with_errors"`
	PropagationCount int          `json:"propagation_count"`
	LatestError      *ErrorRecord `json:"latest_error,omitempty"`
}
