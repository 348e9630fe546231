package conditions

import (
	"context"
	"sync"

	"github.com/tasklace/tasklace/pkg/schema"
)

// Env is the bounded context a condition may observe.
type Env struct {
	// Output is the task output the condition inspects: the current task's
	// own output for branch tables, nil for pre-dispatch gates.
	Output *schema.TaskOutput
	// Task carries the safe attributes of the task being gated.
	Task *schema.Task
	// WorkflowID and WorkflowName identify the run's workflow.
	WorkflowID   string
	WorkflowName string
	// Tasks holds completed task outputs keyed by id (read-only).
	Tasks map[string]any
	// Vars holds workflow variables (read-only).
	Vars map[string]any
}

// Evaluator evaluates boolean condition expressions in a sandbox. A syntax
// error, an undeclared name, or a non-boolean result is a
// CONDITION_EVALUATION_ERROR; the caller treats it as condition-false
// plus a recorded warning, never a crash.
type Evaluator struct {
	engine Engine

	mu      sync.RWMutex
	helpers map[string]any
}

// NewEvaluator creates an Evaluator over the given engine. A nil engine
// defaults to Expr.
func NewEvaluator(engine Engine) *Evaluator {
	if engine == nil {
		engine = NewExprEngine()
	}
	return &Evaluator{
		engine:  engine,
		helpers: make(map[string]any),
	}
}

// RegisterHelper exposes a named function to condition expressions.
// Helpers are the only extension point of the sandbox.
func (ev *Evaluator) RegisterHelper(name string, fn any) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "helper name is empty")
	}
	if fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "helper function is nil")
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if _, exists := ev.helpers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "helper %q already registered", name)
	}
	ev.helpers[name] = fn
	return nil
}

// Evaluate runs a condition expression against the bounded environment and
// coerces the result to bool. Non-boolean results are an error.
func (ev *Evaluator) Evaluate(ctx context.Context, expression string, env *Env) (bool, error) {
	if expression == "" {
		return true, nil
	}

	data := ev.buildData(env)

	out, err := ev.engine.Evaluate(ctx, expression, data)
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok && fe.Code == schema.ErrCodeConditionEvaluation {
			return false, err
		}
		return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
			"condition %q: %s", expression, err.Error()).WithCause(err)
	}

	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
			"condition %q produced non-boolean result (%T)", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// buildData assembles the expression environment. The current output's
// payload keys are promoted to top-level names (so `score > 10` reads
// output.result.score), then the fixed roots and helpers are layered on
// top so they cannot be shadowed by payload data.
func (ev *Evaluator) buildData(env *Env) map[string]any {
	data := make(map[string]any)
	if env == nil {
		env = &Env{}
	}

	var outputMap map[string]any
	if env.Output != nil {
		outputMap = env.Output.AsMap()
		if payload, ok := env.Output.Payload().(map[string]any); ok {
			for k, v := range payload {
				data[k] = v
			}
		}
	} else {
		outputMap = map[string]any{}
	}

	taskAttrs := map[string]any{}
	if env.Task != nil {
		taskAttrs = map[string]any{
			"id":      env.Task.ID,
			"kind":    string(env.Task.Kind),
			"status":  string(env.Task.Status),
			"attempt": env.Task.Attempt,
		}
	}

	data["output"] = outputMap
	data["task"] = taskAttrs
	data["workflow"] = map[string]any{"id": env.WorkflowID, "name": env.WorkflowName}
	if env.Tasks != nil {
		data["tasks"] = env.Tasks
	} else {
		data["tasks"] = map[string]any{}
	}
	if env.Vars != nil {
		data["vars"] = env.Vars
	} else {
		data["vars"] = map[string]any{}
	}

	ev.mu.RLock()
	for name, fn := range ev.helpers {
		data[name] = fn
	}
	ev.mu.RUnlock()

	return data
}
