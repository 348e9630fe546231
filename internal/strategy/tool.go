package strategy

import (
	"context"
	"sort"
	"sync"

	"github.com/tasklace/tasklace/pkg/schema"
)

// ToolRegistry is the capability lookup a tool strategy dispatches through.
type ToolRegistry interface {
	Has(name string) bool
	Invoke(ctx context.Context, name string, input map[string]any) (any, error)
}

// ToolFunc is a single registered tool capability.
type ToolFunc func(ctx context.Context, input map[string]any) (any, error)

// FuncRegistry is a thread-safe in-process ToolRegistry backed by functions.
type FuncRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

// NewFuncRegistry creates an empty FuncRegistry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{tools: make(map[string]ToolFunc)}
}

// Register adds a tool. Returns error on duplicate name.
func (r *FuncRegistry) Register(name string, fn ToolFunc) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}
	if fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "tool %q has nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = fn
	return nil
}

// Has checks if a tool is registered.
func (r *FuncRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Invoke runs a registered tool by name.
func (r *FuncRegistry) Invoke(ctx context.Context, name string, input map[string]any) (any, error) {
	r.mu.RLock()
	fn, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityNotFound, "tool %q not registered", name)
	}
	return fn(ctx, input)
}

// Names returns all registered tool names, sorted.
func (r *FuncRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolStrategy executes tool-kind tasks by dispatching task.Action through
// a ToolRegistry.
type ToolStrategy struct {
	tools ToolRegistry
}

// NewToolStrategy creates a tool strategy over the given registry.
func NewToolStrategy(tools ToolRegistry) *ToolStrategy {
	return &ToolStrategy{tools: tools}
}

func (s *ToolStrategy) Kind() schema.TaskKind { return schema.KindTool }

// Execute looks the tool up before invoking it so a missing capability is
// reported as CAPABILITY_NOT_FOUND rather than an execution failure.
func (s *ToolStrategy) Execute(ctx context.Context, task *schema.Task, input map[string]any) (*schema.TaskOutput, error) {
	if task.Action == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tool task has no action").WithTask(task.ID)
	}
	if s.tools == nil || !s.tools.Has(task.Action) {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityNotFound, "tool %q not registered", task.Action).WithTask(task.ID)
	}

	v, err := s.tools.Invoke(ctx, task.Action, input)
	if err != nil {
		return schema.FailureFromError(err), nil
	}
	return schema.Normalize(v), nil
}
