package engine

import (
	"time"

	"github.com/tasklace/tasklace/internal/errctx"
	"github.com/tasklace/tasklace/pkg/schema"
)

// runState is the mutable shared state of one run: task outputs, workflow
// variables, and the error context. Only the engine goroutine writes it;
// concurrent strategies read copies handed out at dispatch.
type runState struct {
	wf   *schema.Workflow
	vars map[string]any
	errs *errctx.Context

	// Graph structure computed at bind time.
	deps        map[string][]string // hard dependencies per task
	edgeSources map[string][]string // edge targets -> tasks pointing at them

	// Dispatch bookkeeping.
	edgeTaken    map[string]bool
	nextEligible map[string]time.Time
	warnings     []string
}

// runScope exposes the run state as the resolver's read set. Roots are
// terminal task IDs, "workflow", and "error".
type runScope struct {
	st *runState
}

func (s runScope) Root(name string) (any, bool) {
	switch name {
	case "workflow":
		m := make(map[string]any, len(s.st.vars)+3)
		for k, v := range s.st.vars {
			m[k] = v
		}
		m["id"] = s.st.wf.ID
		m["name"] = s.st.wf.Name
		m["variables"] = s.st.vars
		return m, true
	case "error":
		return s.st.errs.AsMap(), true
	}

	task, ok := s.st.wf.Tasks[name]
	if !ok || task.Output == nil {
		return nil, false
	}
	return task.Output.AsMap(), true
}

// tasksEnv returns the outputs of all terminal tasks, keyed by ID, for the
// condition evaluator's read-only tasks root.
func (st *runState) tasksEnv() map[string]any {
	m := make(map[string]any)
	for id, task := range st.wf.Tasks {
		if task.Status.Terminal() && task.Output != nil {
			m[id] = task.Output.AsMap()
		}
	}
	return m
}

// warn records a non-fatal anomaly surfaced in the run result.
func (st *runState) warn(msg string) {
	st.warnings = append(st.warnings, msg)
}

// joinSatisfied reports whether a task's dependencies permit dispatch.
// A skipped dependency is terminal (satisfies "all") but does not count as
// completed for "any" or count joins.
func (st *runState) joinSatisfied(task *schema.Task) bool {
	deps := st.deps[task.ID]
	if len(deps) == 0 {
		return true
	}

	terminal, completed := st.depProgress(deps)

	joinType, need := st.joinSpec(task)
	switch joinType {
	case schema.JoinAny:
		return completed >= 1
	case schema.JoinCount:
		return completed >= need
	default:
		return terminal == len(deps)
	}
}

// joinUnsatisfiable reports whether a task's join can no longer be met
// because every dependency is terminal and too few completed.
func (st *runState) joinUnsatisfiable(task *schema.Task) bool {
	deps := st.deps[task.ID]
	if len(deps) == 0 {
		return false
	}

	terminal, completed := st.depProgress(deps)
	if terminal != len(deps) {
		return false
	}

	joinType, need := st.joinSpec(task)
	switch joinType {
	case schema.JoinAny:
		return completed == 0
	case schema.JoinCount:
		return completed < need
	default:
		return false
	}
}

func (st *runState) depProgress(deps []string) (terminal, completed int) {
	for _, dep := range deps {
		s := st.wf.Tasks[dep].Status
		if s.Terminal() {
			terminal++
		}
		if s == schema.TaskStatusCompleted {
			completed++
		}
	}
	return terminal, completed
}

func (st *runState) joinSpec(task *schema.Task) (schema.JoinType, int) {
	if task.Join == nil {
		return schema.JoinAll, 0
	}
	return task.Join.Type, task.Join.Count
}

// edgeGateOpen reports whether a task targeted by success/failure/branch
// edges has had one taken. Tasks nobody points an edge at are ungated.
func (st *runState) edgeGateOpen(id string) bool {
	if len(st.edgeSources[id]) == 0 {
		return true
	}
	return st.edgeTaken[id]
}

// ready returns the dispatchable tasks in declared order: pending, past
// their retry delay, join satisfied, edge gate open.
func (st *runState) ready(now time.Time) []string {
	var out []string
	for _, id := range st.wf.Order {
		task := st.wf.Tasks[id]
		if task.Status != schema.TaskStatusPending {
			continue
		}
		if eligible, ok := st.nextEligible[id]; ok && now.Before(eligible) {
			continue
		}
		if !st.joinSatisfied(task) || !st.edgeGateOpen(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// earliestRetry returns the soonest future retry time among pending tasks,
// or zero when none is scheduled.
func (st *runState) earliestRetry(now time.Time) time.Time {
	var earliest time.Time
	for id, at := range st.nextEligible {
		if st.wf.Tasks[id].Status != schema.TaskStatusPending || !at.After(now) {
			continue
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	return earliest
}

// sweepUnreachable marks pending tasks that can never dispatch as skipped:
// edge-gated tasks whose sources are all terminal without taking the edge,
// and tasks whose join is unsatisfiable. Runs to a fixpoint since skipping
// one task may terminalize another's dependencies.
func (st *runState) sweepUnreachable() bool {
	any := false
	for {
		changed := false
		for _, id := range st.wf.Order {
			task := st.wf.Tasks[id]
			if task.Status != schema.TaskStatusPending {
				continue
			}
			if st.edgeGateClosed(id) || st.joinUnsatisfiable(task) {
				if err := transitionTask(task, schema.TaskStatusSkipped); err == nil {
					changed = true
					any = true
				}
			}
		}
		if !changed {
			return any
		}
	}
}

// edgeGateClosed reports whether an edge-gated task can no longer be
// reached: no edge taken and every source terminal.
func (st *runState) edgeGateClosed(id string) bool {
	sources := st.edgeSources[id]
	if len(sources) == 0 || st.edgeTaken[id] {
		return false
	}
	for _, src := range sources {
		if !st.wf.Tasks[src].Status.Terminal() {
			return false
		}
	}
	return true
}
