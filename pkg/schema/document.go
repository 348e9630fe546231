package schema

import (
	"time"
)

// WorkflowDocument is the JSON-serializable workflow format produced by
// upstream planners. Documents are validated and compiled into a Workflow
// before the engine ever sees them.
type WorkflowDocument struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Variables map[string]any `json:"variables,omitempty"`
	Tasks     []TaskDocument `json:"tasks"`
}

// TaskDocument describes a single task in a workflow document.
type TaskDocument struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Action    string         `json:"action,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Condition string         `json:"condition,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	OnSuccess string         `json:"on_success,omitempty"`
	OnFailure string         `json:"on_failure,omitempty"`
	Branches  []Branch       `json:"branches,omitempty"`
	Retry     *RetryPolicy   `json:"retry,omitempty"`
	Parallel  bool           `json:"parallel,omitempty"`
	Join      *JoinSpec      `json:"join,omitempty"`
	Transform string         `json:"transform,omitempty"`
	Timeout   string         `json:"timeout,omitempty"`
}

// Compile converts a document into a runnable Workflow. Structural
// validation (unique IDs, edge coherence, cycles) happens later at bind
// time; Compile only rejects values the Workflow model cannot represent.
func (d *WorkflowDocument) Compile() (*Workflow, error) {
	name := d.Name
	if name == "" {
		return nil, NewError(ErrCodeValidation, "workflow document has no name")
	}

	wf := NewWorkflow(d.ID, name)
	for k, v := range d.Variables {
		wf.Variables[k] = v
	}

	for i := range d.Tasks {
		td := &d.Tasks[i]

		kind := TaskKind(td.Kind)
		if !kind.Valid() {
			return nil, NewErrorf(ErrCodeValidation, "task %s has unknown kind %q", td.ID, td.Kind)
		}

		task := &Task{
			ID:        td.ID,
			Kind:      kind,
			Action:    td.Action,
			Input:     td.Input,
			Condition: td.Condition,
			DependsOn: td.DependsOn,
			OnSuccess: td.OnSuccess,
			OnFailure: td.OnFailure,
			Branches:  td.Branches,
			Retry:     td.Retry,
			Parallel:  td.Parallel,
			Join:      td.Join,
			Transform: td.Transform,
		}

		if td.Timeout != "" {
			dur, err := time.ParseDuration(td.Timeout)
			if err != nil {
				return nil, NewErrorf(ErrCodeValidation, "task %s has invalid timeout %q", td.ID, td.Timeout).WithCause(err)
			}
			task.Timeout = dur
		}

		if err := wf.AddTask(task); err != nil {
			return nil, err
		}
	}

	return wf, nil
}
