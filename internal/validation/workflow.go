// Package validation checks workflows before the engine binds them: graph
// structure (edge coherence, join sanity, cycles among hard dependencies)
// and JSON documents against the workflow schema.
package validation

import (
	"sort"
	"time"

	"github.com/tasklace/tasklace/internal/resolver"
	"github.com/tasklace/tasklace/pkg/schema"
)

// reservedRoots are reference roots that never name a task.
var reservedRoots = map[string]bool{
	"workflow": true,
	"error":    true,
}

// BuildDependencies returns the hard dependency set per task: the declared
// depends_on entries plus task IDs inferred from ${...} references in the
// input template.
func BuildDependencies(wf *schema.Workflow) map[string][]string {
	deps := make(map[string][]string, len(wf.Tasks))
	for id, task := range wf.Tasks {
		seen := make(map[string]bool)
		var list []string
		add := func(dep string) {
			if dep == id || seen[dep] {
				return
			}
			seen[dep] = true
			list = append(list, dep)
		}

		for _, dep := range task.DependsOn {
			add(dep)
		}
		for _, root := range resolver.Refs(task.Input) {
			if reservedRoots[root] {
				continue
			}
			if _, isTask := wf.Tasks[root]; isTask {
				add(root)
			}
		}
		sort.Strings(list)
		deps[id] = list
	}
	return deps
}

// EdgeSources returns, per edge-targeted task, the tasks pointing at it
// through on_success, on_failure, or a branch table. A task that appears
// here is edge-gated: it dispatches only after one of its sources takes
// the edge.
func EdgeSources(wf *schema.Workflow) map[string][]string {
	sources := make(map[string][]string)
	add := func(target, source string) {
		for _, s := range sources[target] {
			if s == source {
				return
			}
		}
		sources[target] = append(sources[target], source)
	}

	for _, id := range wf.Order {
		task := wf.Tasks[id]
		if task.OnSuccess != "" {
			add(task.OnSuccess, id)
		}
		if task.OnFailure != "" {
			add(task.OnFailure, id)
		}
		for _, b := range task.Branches {
			add(b.To, id)
		}
	}
	return sources
}

// ValidateWorkflow performs the bind-time structural checks: every edge and
// dependency names an existing task, joins are well-formed, kinds are
// valid, retry durations parse, and the hard dependency graph is acyclic.
func ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if len(wf.Tasks) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow has no tasks")
	}

	for id, task := range wf.Tasks {
		if reservedRoots[id] {
			return schema.NewErrorf(schema.ErrCodeValidation, "task ID %q is a reserved reference root", id)
		}
		if !task.Kind.Valid() {
			return schema.NewErrorf(schema.ErrCodeValidation, "task %s has invalid kind %q", id, task.Kind)
		}

		for _, dep := range task.DependsOn {
			if dep == id {
				return schema.NewErrorf(schema.ErrCodeCycleDetected, "task %s depends on itself", id)
			}
			if _, ok := wf.Tasks[dep]; !ok {
				return schema.NewErrorf(schema.ErrCodeValidation, "task %s depends on unknown task %q", id, dep)
			}
		}

		if task.OnSuccess != "" {
			if _, ok := wf.Tasks[task.OnSuccess]; !ok {
				return schema.NewErrorf(schema.ErrCodeValidation, "task %s has on_success edge to unknown task %q", id, task.OnSuccess)
			}
		}
		if task.OnFailure != "" {
			if _, ok := wf.Tasks[task.OnFailure]; !ok {
				return schema.NewErrorf(schema.ErrCodeValidation, "task %s has on_failure edge to unknown task %q", id, task.OnFailure)
			}
		}
		for _, b := range task.Branches {
			if b.To == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "task %s has branch with empty target", id)
			}
			if _, ok := wf.Tasks[b.To]; !ok {
				return schema.NewErrorf(schema.ErrCodeValidation, "task %s has branch to unknown task %q", id, b.To)
			}
		}

		if task.Join != nil {
			switch task.Join.Type {
			case schema.JoinAll, schema.JoinAny:
			case schema.JoinCount:
				if task.Join.Count <= 0 {
					return schema.NewErrorf(schema.ErrCodeValidation, "task %s has count join with count %d", id, task.Join.Count)
				}
			default:
				return schema.NewErrorf(schema.ErrCodeValidation, "task %s has unknown join type %q", id, task.Join.Type)
			}
		}

		if task.Retry != nil {
			if task.Retry.MaxRetries < 0 {
				return schema.NewErrorf(schema.ErrCodeValidation, "task %s has negative max_retries", id)
			}
			for _, d := range []string{task.Retry.Delay, task.Retry.MaxDelay} {
				if d == "" {
					continue
				}
				if _, err := time.ParseDuration(d); err != nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "task %s has invalid retry duration %q", id, d).WithCause(err)
				}
			}
		}
	}

	return detectCycles(wf, BuildDependencies(wf))
}

// detectCycles runs Kahn's algorithm over the hard dependency graph.
func detectCycles(wf *schema.Workflow, deps map[string][]string) error {
	inDegree := make(map[string]int, len(wf.Tasks))
	dependents := make(map[string][]string, len(wf.Tasks))
	for id := range wf.Tasks {
		inDegree[id] = len(deps[id])
		for _, dep := range deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(wf.Tasks))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited != len(wf.Tasks) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return schema.NewError(schema.ErrCodeCycleDetected, "workflow has a dependency cycle").
			WithDetails(map[string]any{"tasks": cyclic})
	}
	return nil
}
