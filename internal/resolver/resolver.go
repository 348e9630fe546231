// Package resolver implements the ${...} variable reference mini-language.
//
// Grammar:
//
//	${ path (| default)? }
//	path    = root segment*
//	root    = task id | "workflow" | "error"
//	segment = "." name | "[" index "]"
//
// When a string value is exactly one expression, the resolved leaf keeps
// its native type; otherwise resolved values are stringified and spliced
// into the surrounding text. Resolution is a pure function of the value
// and the execution context.
package resolver

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tasklace/tasklace/pkg/schema"
)

// Context is the read set visible during resolution: task outputs keyed by
// id plus the "workflow" and "error" roots.
type Context interface {
	Root(name string) (any, bool)
}

// MapContext is a Context backed by a plain map. Used by tests and
// standalone callers.
type MapContext map[string]any

func (m MapContext) Root(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Resolve substitutes every ${...} reference in value against ctx,
// recursing into maps and slices leaf by leaf. The input is never mutated.
func Resolve(value any, ctx Context) (any, error) {
	switch v := value.(type) {
	case string:
		return ResolveString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Resolve(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Resolve(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveInput resolves a task input template. A nil template resolves to
// an empty map.
func ResolveInput(input map[string]any, ctx Context) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	resolved, err := Resolve(input, ctx)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// ResolveString substitutes ${...} references in a single string. A string
// that is exactly one expression returns the leaf's native value.
func ResolveString(s string, ctx Context) (any, error) {
	start := strings.Index(s, "${")
	if start == -1 {
		return s, nil
	}

	// Whole-value expression: preserve the native type.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
		inner := trimmed[2 : len(trimmed)-1]
		if !strings.Contains(inner, "${") && !strings.Contains(inner, "}") {
			return evalExpr(inner, ctx)
		}
	}

	// Embedded expressions: stringify and splice.
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${")
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		exprStart := i + idx + 2

		end := strings.Index(s[exprStart:], "}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeVariableResolution,
				"unclosed ${ expression in %q", s)
		}
		end += exprStart

		val, err := evalExpr(s[exprStart:end], ctx)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		i = end + 1
	}
	return b.String(), nil
}

// evalExpr resolves one "path | default" expression body.
func evalExpr(expr string, ctx Context) (any, error) {
	body := strings.TrimSpace(expr)
	if body == "" {
		return nil, schema.NewError(schema.ErrCodeVariableResolution, "empty variable reference: ${}")
	}

	path := body
	var defaultText string
	hasDefault := false
	if pipe := strings.Index(body, "|"); pipe != -1 {
		path = strings.TrimSpace(body[:pipe])
		defaultText = strings.TrimSpace(body[pipe+1:])
		hasDefault = true
	}

	segments, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	val, err := walk(segments, ctx, body)
	if err != nil {
		if hasDefault {
			return parseDefault(defaultText), nil
		}
		return nil, err
	}
	return val, nil
}

// segment is one step of a parsed path: a name or a list index.
type segment struct {
	name  string
	index int
	isIdx bool
}

// parsePath splits a path into segments. The first segment is always a
// name (the root).
func parsePath(path string) ([]segment, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeVariableResolution, "empty path in variable reference")
	}

	var segs []segment
	i := 0
	// Root name runs until the first '.' or '['.
	j := i
	for j < len(path) && path[j] != '.' && path[j] != '[' {
		j++
	}
	if j == i {
		return nil, schema.NewErrorf(schema.ErrCodeVariableResolution, "path %q has no root name", path)
	}
	segs = append(segs, segment{name: path[i:j]})
	i = j

	for i < len(path) {
		switch path[i] {
		case '.':
			i++
			j = i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			if j == i {
				return nil, schema.NewErrorf(schema.ErrCodeVariableResolution, "empty segment in path %q", path)
			}
			segs = append(segs, segment{name: path[i:j]})
			i = j
		case '[':
			close := strings.IndexByte(path[i:], ']')
			if close == -1 {
				return nil, schema.NewErrorf(schema.ErrCodeVariableResolution, "unclosed index in path %q", path)
			}
			idxText := path[i+1 : i+close]
			idx, err := strconv.Atoi(idxText)
			if err != nil || idx < 0 {
				return nil, schema.NewErrorf(schema.ErrCodeVariableResolution,
					"invalid index %q in path %q: indices must be integers >= 0", idxText, path)
			}
			segs = append(segs, segment{index: idx, isIdx: true})
			i += close + 1
		default:
			return nil, schema.NewErrorf(schema.ErrCodeVariableResolution,
				"unexpected character %q in path %q", path[i], path)
		}
	}
	return segs, nil
}

// walk traverses the context segment by segment.
func walk(segs []segment, ctx Context, expr string) (any, error) {
	root, ok := ctx.Root(segs[0].name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeVariableResolution,
			"unknown reference root %q in ${%s}", segs[0].name, expr).
			WithDetails(map[string]any{"expression": expr})
	}

	current := root
	for _, seg := range segs[1:] {
		if seg.isIdx {
			list, ok := current.([]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeVariableResolution,
					"cannot index into non-list at [%d] in ${%s} (got %T)", seg.index, expr, current).
					WithDetails(map[string]any{"expression": expr})
			}
			if seg.index >= len(list) {
				return nil, schema.NewErrorf(schema.ErrCodeVariableResolution,
					"index %d out of range (len %d) in ${%s}", seg.index, len(list), expr).
					WithDetails(map[string]any{"expression": expr})
			}
			current = list[seg.index]
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeVariableResolution,
				"cannot traverse into non-object at %q in ${%s} (got %T)", seg.name, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
		val, ok := m[seg.name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeVariableResolution,
				"field %q not found in ${%s}", seg.name, expr).
				WithDetails(map[string]any{"expression": expr, "available_fields": sortedKeys(m)})
		}
		current = val
	}
	return current, nil
}

// parseDefault interprets the literal after the pipe. JSON literals keep
// their type ("5" is a number, "\"x\"" a string); anything else is a bare
// string.
func parseDefault(text string) any {
	if text == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}

// stringify renders a resolved value for splicing into surrounding text.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64, int, int64:
		return fmt.Sprintf("%v", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
