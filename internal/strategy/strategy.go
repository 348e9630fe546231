// Package strategy maps task kinds to execution backends. The engine asks
// the registry for the strategy matching a task's kind and hands it the
// resolved input; each strategy normalizes whatever its backend returns
// into the standard output shape.
package strategy

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tasklace/tasklace/pkg/schema"
)

// Strategy executes one kind of task. Execute returns a normalized output
// for domain failures; a non-nil error means the dispatch itself broke
// (unknown capability, bad input) and carries a FlowError code.
type Strategy interface {
	Kind() schema.TaskKind
	Execute(ctx context.Context, task *schema.Task, input map[string]any) (*schema.TaskOutput, error)
}

// Registry is the thread-safe kind-to-strategy table.
type Registry struct {
	mu         sync.RWMutex
	strategies map[schema.TaskKind]Strategy
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[schema.TaskKind]Strategy)}
}

// Register adds a strategy. Returns error on invalid kind or duplicate.
func (r *Registry) Register(s Strategy) error {
	if s == nil {
		return schema.NewError(schema.ErrCodeValidation, "strategy is nil")
	}
	kind := s.Kind()
	if !kind.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "strategy has invalid kind %q", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "strategy for kind %q already registered", kind)
	}
	r.strategies[kind] = s
	return nil
}

// RegisterCustom registers a strategy function under custom:<name>.
func (r *Registry) RegisterCustom(name string, fn Func) error {
	if name == "" || strings.Contains(name, ":") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid custom strategy name %q", name)
	}
	return r.Register(&funcStrategy{kind: schema.CustomKind(name), fn: fn})
}

// Get retrieves the strategy for a kind.
func (r *Registry) Get(kind schema.TaskKind) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStrategyNotFound, "no strategy registered for kind %q", kind)
	}
	return s, nil
}

// Has checks if a strategy is registered for a kind.
func (r *Registry) Has(kind schema.TaskKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.strategies[kind]
	return ok
}

// Kinds returns all registered kinds, sorted.
func (r *Registry) Kinds() []schema.TaskKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]schema.TaskKind, 0, len(r.strategies))
	for k := range r.strategies {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Func is a bare strategy function for custom kinds. The returned value is
// normalized into the standard output shape.
type Func func(ctx context.Context, task *schema.Task, input map[string]any) (any, error)

type funcStrategy struct {
	kind schema.TaskKind
	fn   Func
}

func (s *funcStrategy) Kind() schema.TaskKind { return s.kind }

func (s *funcStrategy) Execute(ctx context.Context, task *schema.Task, input map[string]any) (*schema.TaskOutput, error) {
	if s.fn == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStrategyExecution, "custom strategy %q has no function", s.kind)
	}
	v, err := s.fn(ctx, task, input)
	if err != nil {
		return schema.FailureFromError(err), nil
	}
	return schema.Normalize(v), nil
}
