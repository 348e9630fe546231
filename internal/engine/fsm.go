package engine

import (
	"github.com/tasklace/tasklace/pkg/schema"
)

// validTaskTransitions defines the allowed task state machine. A failed
// task re-enters pending when a retry is scheduled.
var validTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending:   {schema.TaskStatusRunning, schema.TaskStatusSkipped},
	schema.TaskStatusRunning:   {schema.TaskStatusCompleted, schema.TaskStatusFailed, schema.TaskStatusPending},
	schema.TaskStatusCompleted: {},
	schema.TaskStatusFailed:    {},
	schema.TaskStatusSkipped:   {},
}

// validWorkflowTransitions defines the allowed workflow state machine.
var validWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:   {schema.WorkflowStatusRunning},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
}

// transitionTask validates and applies a task status change.
func transitionTask(task *schema.Task, to schema.TaskStatus) error {
	if !taskTransitionValid(task.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", task.Status, to).WithTask(task.ID)
	}
	task.Status = to
	return nil
}

// transitionWorkflow validates and applies a workflow status change.
func transitionWorkflow(wf *schema.Workflow, to schema.WorkflowStatus) error {
	allowed, ok := validWorkflowTransitions[wf.Status]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", wf.Status, to)
	}
	for _, a := range allowed {
		if a == to {
			wf.Status = to
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid workflow transition: %s -> %s", wf.Status, to)
}

func taskTransitionValid(from, to schema.TaskStatus) bool {
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
