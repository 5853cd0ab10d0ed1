package executors

import (
	"sort"
	"strings"

	"github.com/ternarybob/promptrelay/internal/faults"
)

// scopeFrom turns flat job params into an interpolation scope. Dotted keys
// become nested maps so "project.name" resolves {{project.name}}. A key that
// is both a value and a parent of another key ("a" and "a.b") is rejected.
func scopeFrom(params map[string]string) (map[string]interface{}, error) {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	scope := make(map[string]interface{}, len(params))
	for _, key := range keys {
		parts := strings.Split(key, ".")
		node := scope
		for i, part := range parts[:len(parts)-1] {
			switch child := node[part].(type) {
			case map[string]interface{}:
				node = child
			case nil:
				next := make(map[string]interface{})
				node[part] = next
				node = next
			default:
				return nil, faults.New(faults.KindPrecondition, faults.CategoryAPI,
					"param %q conflicts with param %q", key, strings.Join(parts[:i+1], "."))
			}
		}
		leaf := parts[len(parts)-1]
		if _, exists := node[leaf]; exists {
			return nil, faults.New(faults.KindPrecondition, faults.CategoryAPI,
				"param %q conflicts with a nested param of the same name", key)
		}
		node[leaf] = params[key]
	}
	return scope, nil
}
