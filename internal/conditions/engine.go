// Package conditions evaluates branch and gate expressions inside a
// restricted sandbox. Expressions see only the bounded environment the
// evaluator builds: the current task's output, safe task attributes,
// workflow identity, completed task outputs, workflow variables, and
// caller-registered helper functions. There is no I/O, no reflection, and
// no code generation in any engine.
package conditions

import "context"

// Engine evaluates a single expression against a data environment.
// Implementations: Expr (default conditions), CEL (alternative), GoJQ
// (output transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
