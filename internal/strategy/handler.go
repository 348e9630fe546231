package strategy

import (
	"context"

	"github.com/tasklace/tasklace/pkg/schema"
)

// HandlerFunc is an in-process handler invoked with the task's resolved
// input. Its return value is normalized into the standard output shape.
type HandlerFunc func(ctx context.Context, input map[string]any) (any, error)

// TaskHandlerFunc additionally receives the task, for handlers that need
// the task's identity or configuration.
type TaskHandlerFunc func(ctx context.Context, task *schema.Task, input map[string]any) (any, error)

// HandlerProvider resolves named handlers for tasks that reference a
// handler by Action instead of carrying the function directly.
type HandlerProvider interface {
	Lookup(name string) (HandlerFunc, bool)
}

// HandlerMap is a static HandlerProvider.
type HandlerMap map[string]HandlerFunc

func (m HandlerMap) Lookup(name string) (HandlerFunc, bool) {
	fn, ok := m[name]
	return fn, ok
}

// HandlerStrategy executes handler-kind tasks. A task either carries its
// function in Handler or names one resolvable through the provider.
type HandlerStrategy struct {
	provider HandlerProvider
}

// NewHandlerStrategy creates a handler strategy. The provider may be nil
// when every handler task carries its function inline.
func NewHandlerStrategy(provider HandlerProvider) *HandlerStrategy {
	return &HandlerStrategy{provider: provider}
}

func (s *HandlerStrategy) Kind() schema.TaskKind { return schema.KindHandler }

func (s *HandlerStrategy) Execute(ctx context.Context, task *schema.Task, input map[string]any) (*schema.TaskOutput, error) {
	fn, err := s.resolve(task)
	if err != nil {
		return nil, err
	}

	v, fnErr := fn(ctx, task, input)
	if fnErr != nil {
		return schema.FailureFromError(fnErr), nil
	}
	return schema.Normalize(v), nil
}

// resolve picks the task's inline handler when present, accepting both
// function shapes, and falls back to a provider lookup by Action.
func (s *HandlerStrategy) resolve(task *schema.Task) (TaskHandlerFunc, error) {
	switch fn := task.Handler.(type) {
	case nil:
	case TaskHandlerFunc:
		return fn, nil
	case func(ctx context.Context, task *schema.Task, input map[string]any) (any, error):
		return fn, nil
	case HandlerFunc:
		return dropTask(fn), nil
	case func(ctx context.Context, input map[string]any) (any, error):
		return dropTask(fn), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"handler task has unsupported handler type %T", task.Handler).WithTask(task.ID)
	}

	if task.Action == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "handler task has neither handler nor action").WithTask(task.ID)
	}
	if s.provider != nil {
		if fn, ok := s.provider.Lookup(task.Action); ok {
			return dropTask(fn), nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeCapabilityNotFound, "handler %q not registered", task.Action).WithTask(task.ID)
}

func dropTask(fn HandlerFunc) TaskHandlerFunc {
	return func(ctx context.Context, _ *schema.Task, input map[string]any) (any, error) {
		return fn(ctx, input)
	}
}
