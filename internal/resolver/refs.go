package resolver

import "strings"

// Refs collects the root names referenced by ${...} expressions anywhere in
// a value. Used at bind time to infer task dependencies from input
// templates. Malformed expressions are ignored here; they surface as
// resolution failures at dispatch.
func Refs(value any) []string {
	seen := make(map[string]bool)
	collectRefs(value, seen)

	roots := make([]string, 0, len(seen))
	for r := range seen {
		roots = append(roots, r)
	}
	for i := 1; i < len(roots); i++ {
		key := roots[i]
		j := i - 1
		for j >= 0 && roots[j] > key {
			roots[j+1] = roots[j]
			j--
		}
		roots[j+1] = key
	}
	return roots
}

func collectRefs(value any, seen map[string]bool) {
	switch v := value.(type) {
	case string:
		collectStringRefs(v, seen)
	case map[string]any:
		for _, item := range v {
			collectRefs(item, seen)
		}
	case []any:
		for _, item := range v {
			collectRefs(item, seen)
		}
	}
}

func collectStringRefs(s string, seen map[string]bool) {
	for {
		idx := strings.Index(s, "${")
		if idx == -1 {
			return
		}
		s = s[idx+2:]
		end := strings.IndexByte(s, '}')
		if end == -1 {
			return
		}
		body := strings.TrimSpace(s[:end])
		if pipe := strings.IndexByte(body, '|'); pipe != -1 {
			body = strings.TrimSpace(body[:pipe])
		}
		// Root name runs until the first '.' or '['.
		cut := len(body)
		for i := 0; i < len(body); i++ {
			if body[i] == '.' || body[i] == '[' {
				cut = i
				break
			}
		}
		if root := body[:cut]; root != "" {
			seen[root] = true
		}
		s = s[end+1:]
	}
}
