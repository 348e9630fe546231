// Package engine schedules and executes workflow task graphs. The engine
// computes the ready set, resolves inputs, dispatches tasks to their
// strategies, applies conditions, edges, and retries, and drives the run to
// a terminal state. All shared-state mutation happens in the engine
// goroutine, even under concurrent dispatch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tasklace/tasklace/internal/conditions"
	"github.com/tasklace/tasklace/internal/errctx"
	"github.com/tasklace/tasklace/internal/history"
	"github.com/tasklace/tasklace/internal/logging"
	"github.com/tasklace/tasklace/internal/resolver"
	"github.com/tasklace/tasklace/internal/strategy"
	"github.com/tasklace/tasklace/internal/validation"
	"github.com/tasklace/tasklace/pkg/schema"
)

// Engine runs workflows. Safe for concurrent use; each run owns its state.
type Engine struct {
	strategies  *strategy.Registry
	evaluator   *conditions.Evaluator
	transform   conditions.Engine
	logger      *slog.Logger
	recorder    history.Recorder
	deadline    time.Duration
	concurrency int
	clock       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator replaces the default expr-based condition evaluator.
func WithEvaluator(ev *conditions.Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// WithTransformEngine replaces the jq engine used for output transforms.
func WithTransformEngine(t conditions.Engine) Option {
	return func(e *Engine) { e.transform = t }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRecorder sets a terminal run-record sink.
func WithRecorder(r history.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithDeadline sets a workflow-level deadline per run. Past it no new task
// dispatches and the run is marked failed with WORKFLOW_TIMEOUT.
func WithDeadline(d time.Duration) Option {
	return func(e *Engine) { e.deadline = d }
}

// WithConcurrency bounds parallel task dispatch in RunConcurrent.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

// New creates an Engine dispatching through the given strategy registry.
func New(strategies *strategy.Registry, opts ...Option) *Engine {
	e := &Engine{
		strategies:  strategies,
		evaluator:   conditions.NewEvaluator(nil),
		transform:   conditions.NewGoJQEngine(),
		logger:      slog.New(logging.NewCorrelationHandler(slog.Default().Handler())),
		concurrency: 4,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunResult is the structured outcome of one run. Task-level failures never
// surface as errors from Run; they land here.
type RunResult struct {
	RunID        string                        `json:"run_id"`
	WorkflowID   string                        `json:"workflow_id"`
	WorkflowName string                        `json:"workflow_name"`
	Status       schema.WorkflowStatus         `json:"status"`
	Tasks        map[string]schema.TaskStatus  `json:"tasks"`
	Outputs      map[string]*schema.TaskOutput `json:"outputs"`
	Variables    map[string]any                `json:"variables,omitempty"`
	ErrorSummary *schema.ErrorSummary          `json:"error_summary,omitempty"`
	Warnings     []string                      `json:"warnings,omitempty"`
	StartedAt    time.Time                     `json:"started_at"`
	FinishedAt   time.Time                     `json:"finished_at"`
	Pool         *PoolMetrics                  `json:"pool,omitempty"`
}

// Run executes the workflow synchronously: ready tasks dispatch one at a
// time in declared order. The only errors returned are bind-time failures;
// everything after scheduling begins lands in the result.
func (e *Engine) Run(ctx context.Context, wf *schema.Workflow, initialInput map[string]any) (*RunResult, error) {
	st, err := e.bind(wf, initialInput)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(logging.WithWorkflowID(ctx, wf.ID), runID)
	start := e.clock()
	var deadlineAt time.Time
	if e.deadline > 0 {
		deadlineAt = start.Add(e.deadline)
	}

	e.logger.InfoContext(ctx, "workflow started", "name", wf.Name, "tasks", len(wf.Tasks))

	var timedOut, cancelled bool
loop:
	for {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		now := e.clock()
		if !deadlineAt.IsZero() && now.After(deadlineAt) {
			timedOut = true
			break
		}

		ready := st.ready(now)
		if len(ready) == 0 {
			if st.sweepUnreachable() {
				continue
			}
			next := st.earliestRetry(now)
			if next.IsZero() {
				break
			}
			if !deadlineAt.IsZero() && next.After(deadlineAt) {
				timedOut = true
				break
			}
			if err := WaitForBackoff(ctx, next.Sub(now)); err != nil {
				cancelled = true
				break
			}
			continue
		}

		for _, id := range ready {
			if ctx.Err() != nil {
				cancelled = true
				break loop
			}
			if !deadlineAt.IsZero() && e.clock().After(deadlineAt) {
				timedOut = true
				break loop
			}
			task := st.wf.Tasks[id]
			if task.Status != schema.TaskStatusPending {
				continue
			}
			e.runTask(logging.WithTaskID(ctx, id), st, task)
		}
		st.sweepUnreachable()
	}

	return e.finalize(ctx, st, runID, start, timedOut, cancelled, nil), nil
}

// RunConcurrent executes the workflow with parallel-flagged ready tasks
// dispatched concurrently on a bounded pool. Inputs and conditions still
// resolve serially in the engine goroutine, and all results are applied
// serially after the batch drains.
func (e *Engine) RunConcurrent(ctx context.Context, wf *schema.Workflow, initialInput map[string]any) (*RunResult, error) {
	st, err := e.bind(wf, initialInput)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(logging.WithWorkflowID(ctx, wf.ID), runID)
	start := e.clock()
	var deadlineAt time.Time
	if e.deadline > 0 {
		deadlineAt = start.Add(e.deadline)
	}

	e.logger.InfoContext(ctx, "workflow started", "name", wf.Name, "tasks", len(wf.Tasks), "concurrency", e.concurrency)

	pool := newWorkerPool(e.concurrency)

	type execResult struct {
		id  string
		out *schema.TaskOutput
	}

	// Retries are strictly sequential per task, so at most one outstanding
	// result per task: workers never block on a full channel.
	results := make(chan execResult, len(wf.Tasks))
	inFlight := 0

	var timedOut, cancelled bool
loop:
	for {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		now := e.clock()
		if !deadlineAt.IsZero() && now.After(deadlineAt) {
			timedOut = true
			break
		}

		dispatched := false
		for _, id := range st.ready(now) {
			task := st.wf.Tasks[id]
			if task.Status != schema.TaskStatusPending {
				continue
			}
			tctx := logging.WithTaskID(ctx, id)

			input, ok := e.preflight(tctx, st, task)
			if !ok {
				dispatched = true
				continue
			}
			_ = transitionTask(task, schema.TaskStatusRunning)
			dispatched = true

			if !task.Parallel {
				out := e.dispatch(tctx, task, input)
				e.applyOutput(tctx, st, task, out)
				continue
			}

			report := func(perr error) {
				results <- execResult{id: id, out: schema.FailureFromError(perr)}
			}
			if err := pool.Go(ctx, func(c context.Context) error {
				results <- execResult{id: id, out: e.dispatch(logging.WithTaskID(c, id), task, input)}
				return nil
			}, report); err != nil {
				e.applyOutput(tctx, st, task,
					schema.FailureOutput(schema.ErrCodeCancelled, "run cancelled before dispatch", nil))
				continue
			}
			inFlight++
		}
		if dispatched {
			st.sweepUnreachable()
			continue
		}

		// Nothing dispatchable. Wait for an in-flight result, a retry
		// becoming eligible, the deadline, or cancellation.
		var retryCh, deadlineCh <-chan time.Time
		if next := st.earliestRetry(now); !next.IsZero() {
			retryCh = time.After(next.Sub(now))
		} else if inFlight == 0 {
			if st.sweepUnreachable() {
				continue
			}
			break
		}
		if !deadlineAt.IsZero() {
			deadlineCh = time.After(deadlineAt.Sub(now))
		}

		select {
		case r := <-results:
			inFlight--
			e.applyOutput(logging.WithTaskID(ctx, r.id), st, st.wf.Tasks[r.id], r.out)
			st.sweepUnreachable()
		case <-retryCh:
		case <-deadlineCh:
			timedOut = true
			break loop
		case <-ctx.Done():
			cancelled = true
			break loop
		}
	}

	// In-flight tasks finish independently; their outputs are still
	// recorded, but nothing new dispatches.
	pool.Wait()
	for inFlight > 0 {
		r := <-results
		inFlight--
		e.applyOutput(logging.WithTaskID(ctx, r.id), st, st.wf.Tasks[r.id], r.out)
	}

	metrics := pool.Metrics()
	return e.finalize(ctx, st, runID, start, timedOut, cancelled, &metrics), nil
}

// bind validates the workflow and assembles the run state. Bind errors are
// the only errors Run surfaces directly.
func (e *Engine) bind(wf *schema.Workflow, initialInput map[string]any) (*runState, error) {
	if err := validation.ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	if wf.Status != schema.WorkflowStatusPending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s has already run (status %s)", wf.ID, wf.Status)
	}
	if err := transitionWorkflow(wf, schema.WorkflowStatusRunning); err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(wf.Variables)+len(initialInput))
	for k, v := range wf.Variables {
		vars[k] = v
	}
	for k, v := range initialInput {
		vars[k] = v
	}

	return &runState{
		wf:           wf,
		vars:         vars,
		errs:         errctx.New(),
		deps:         validation.BuildDependencies(wf),
		edgeSources:  validation.EdgeSources(wf),
		edgeTaken:    make(map[string]bool),
		nextEligible: make(map[string]time.Time),
	}, nil
}

// runTask is the full synchronous task lifecycle.
func (e *Engine) runTask(ctx context.Context, st *runState, task *schema.Task) {
	input, ok := e.preflight(ctx, st, task)
	if !ok {
		return
	}
	_ = transitionTask(task, schema.TaskStatusRunning)
	out := e.dispatch(ctx, task, input)
	e.applyOutput(ctx, st, task, out)
}

// preflight resolves the task's input and evaluates its gate condition.
// Returns ok=false when the task was skipped or failed before dispatch; the
// state mutation has already been applied.
func (e *Engine) preflight(ctx context.Context, st *runState, task *schema.Task) (map[string]any, bool) {
	if task.Condition != "" {
		pass, cerr := e.evaluator.Evaluate(ctx, task.Condition, e.conditionEnv(st, task, nil))
		if cerr != nil {
			st.warn(fmt.Sprintf("task %s: condition treated as false: %s", task.ID, cerr.Error()))
			e.logger.WarnContext(ctx, "condition evaluation failed", "condition", task.Condition, "error", cerr.Error())
		}
		if !pass {
			_ = transitionTask(task, schema.TaskStatusSkipped)
			e.logger.InfoContext(ctx, "task skipped by condition", "condition", task.Condition)
			return nil, false
		}
	}

	input, err := resolver.ResolveInput(task.Input, runScope{st: st})
	if err != nil {
		e.logger.WarnContext(ctx, "input resolution failed", "error", err.Error())
		_ = transitionTask(task, schema.TaskStatusRunning)
		e.applyOutput(ctx, st, task, schema.FailureFromError(err))
		return nil, false
	}
	return input, true
}

// dispatch resolves the strategy and executes the task, converting every
// failure mode, including panics, into a failed output.
func (e *Engine) dispatch(ctx context.Context, task *schema.Task, input map[string]any) (out *schema.TaskOutput) {
	defer func() {
		if r := recover(); r != nil {
			out = schema.FailureOutput(schema.ErrCodeStrategyExecution,
				fmt.Sprintf("strategy panicked: %v", r), nil)
		}
	}()

	strat, err := e.strategies.Get(task.Kind)
	if err != nil {
		return schema.FailureFromError(err)
	}

	execCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	result, err := strat.Execute(execCtx, task, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return schema.FailureOutput(schema.ErrCodeTaskTimeout,
				fmt.Sprintf("task timed out after %s", task.Timeout), nil)
		}
		return schema.FailureFromError(err)
	}
	out = schema.Normalize(result)

	if out.Success && task.Transform != "" {
		v, terr := e.transform.Evaluate(ctx, task.Transform, out.AsMap())
		if terr != nil {
			return schema.FailureFromError(terr)
		}
		out.SetPayload(v)
	}
	return out
}

// applyOutput records a task's outcome and routes the graph: retries,
// success edges, branch tables, failure edges with error propagation.
// Always runs in the engine goroutine.
func (e *Engine) applyOutput(ctx context.Context, st *runState, task *schema.Task, out *schema.TaskOutput) {
	task.Output = out

	if out.Success {
		_ = transitionTask(task, schema.TaskStatusCompleted)
		e.logger.InfoContext(ctx, "task completed", "attempt", task.Attempt)
		e.takeSuccessEdge(ctx, st, task, out)
		return
	}

	if RetryableOutput(out) && task.Attempt < task.MaxRetries() {
		task.Attempt++
		_ = transitionTask(task, schema.TaskStatusPending)
		delay := ComputeBackoff(task.Retry, task.Attempt-1)
		st.nextEligible[task.ID] = e.clock().Add(delay)
		e.logger.WarnContext(ctx, "task failed, retrying",
			"attempt", task.Attempt, "max_retries", task.MaxRetries(), "delay", delay.String(), "error", out.Error)
		return
	}

	_ = transitionTask(task, schema.TaskStatusFailed)

	if task.Attempt > 0 {
		st.errs.Record(task.ID,
			fmt.Sprintf("task failed after %d attempts: %s", task.Attempt+1, out.Error),
			schema.ErrCodeRetryExhausted,
			map[string]any{"attempts": task.Attempt + 1, "original_code": out.ErrorCode})
	} else {
		st.errs.Record(task.ID, out.Error, out.ErrorCode, out.ErrorDetails)
	}
	e.logger.ErrorContext(ctx, "task failed", "error", out.Error, "error_code", out.ErrorCode)

	if task.OnFailure != "" {
		st.edgeTaken[task.OnFailure] = true
		st.errs.Propagate(task.ID, task.OnFailure)
	}
}

// takeSuccessEdge selects the next task after a success: the first matching
// branch row, else the on_success edge.
func (e *Engine) takeSuccessEdge(ctx context.Context, st *runState, task *schema.Task, out *schema.TaskOutput) {
	if len(task.Branches) > 0 {
		env := e.conditionEnv(st, task, out)
		for _, b := range task.Branches {
			pass, err := e.evaluator.Evaluate(ctx, b.When, env)
			if err != nil {
				st.warn(fmt.Sprintf("task %s: branch %q treated as false: %s", task.ID, b.When, err.Error()))
				continue
			}
			if pass {
				st.edgeTaken[b.To] = true
				return
			}
		}
	}
	if task.OnSuccess != "" {
		st.edgeTaken[task.OnSuccess] = true
	}
}

func (e *Engine) conditionEnv(st *runState, task *schema.Task, out *schema.TaskOutput) *conditions.Env {
	return &conditions.Env{
		Output:       out,
		Task:         task,
		WorkflowID:   st.wf.ID,
		WorkflowName: st.wf.Name,
		Tasks:        st.tasksEnv(),
		Vars:         st.vars,
	}
}

// finalize drives the workflow to its terminal status, computes the error
// summary exactly once, and emits the run record.
func (e *Engine) finalize(ctx context.Context, st *runState, runID string, start time.Time, timedOut, cancelled bool, pool *PoolMetrics) *RunResult {
	st.sweepUnreachable()
	for _, id := range st.wf.Order {
		task := st.wf.Tasks[id]
		if task.Status == schema.TaskStatusPending {
			_ = transitionTask(task, schema.TaskStatusSkipped)
		}
	}

	if timedOut {
		st.errs.Record("workflow", "workflow deadline exceeded", schema.ErrCodeWorkflowTimeout,
			map[string]any{"deadline": e.deadline.String()})
	}
	if cancelled {
		st.errs.Record("workflow", "run cancelled", schema.ErrCodeCancelled, nil)
	}

	failedWithoutEdge := false
	var failedTasks []string
	for _, id := range st.wf.Order {
		task := st.wf.Tasks[id]
		if task.Status != schema.TaskStatusFailed {
			continue
		}
		failedTasks = append(failedTasks, id)
		if task.OnFailure == "" {
			failedWithoutEdge = true
		}
	}

	status := schema.WorkflowStatusCompleted
	if timedOut || cancelled || failedWithoutEdge {
		status = schema.WorkflowStatusFailed
	}
	_ = transitionWorkflow(st.wf, status)
	st.wf.ErrorSummary = st.errs.Summary()

	finished := e.clock()
	res := &RunResult{
		RunID:        runID,
		WorkflowID:   st.wf.ID,
		WorkflowName: st.wf.Name,
		Status:       status,
		Tasks:        make(map[string]schema.TaskStatus, len(st.wf.Tasks)),
		Outputs:      make(map[string]*schema.TaskOutput, len(st.wf.Tasks)),
		Variables:    st.vars,
		ErrorSummary: st.wf.ErrorSummary,
		Warnings:     st.warnings,
		StartedAt:    start,
		FinishedAt:   finished,
		Pool:         pool,
	}
	for id, task := range st.wf.Tasks {
		res.Tasks[id] = task.Status
		if task.Output != nil {
			res.Outputs[id] = task.Output
		}
	}

	e.logger.InfoContext(ctx, "workflow finished",
		"status", string(status), "failed_tasks", len(failedTasks), "duration", finished.Sub(start).String())

	if e.recorder != nil {
		rec := &history.RunRecord{
			RunID:       runID,
			WorkflowID:  st.wf.ID,
			Name:        st.wf.Name,
			Status:      string(status),
			StartedAt:   start,
			FinishedAt:  finished,
			TaskCount:   len(st.wf.Tasks),
			FailedTasks: failedTasks,
		}
		if s := st.wf.ErrorSummary; s != nil {
			rec.Summary = map[string]any{
				"error_count":       s.ErrorCount,
				"tasks_with_errors": s.TasksWithErrors,
				"propagation_count": s.PropagationCount,
			}
		}
		if err := e.recorder.Record(ctx, rec); err != nil {
			e.logger.WarnContext(ctx, "run record not persisted", "error", err.Error())
		}
	}

	return res
}
