// Package common provides {{path.to.field}} placeholder interpolation.
//
// Workflow step values reference fields of a nested parameter map:
//
//	Input:  "Fork {{project.url}} as {{name}}"
//	Params: {"project": {"url": "https://x"}, "name": "demo"}
//	Output: "Fork https://x as demo"
//
// Unresolved placeholders are left unchanged and logged as warnings rather
// than treated as errors.
package common

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"
)

// placeholderPattern matches {{path.to.field}} with optional inner spaces
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Interpolate replaces every {{path}} in input with the value found at path
// in params. Placeholders that do not resolve keep their literal text.
func Interpolate(input string, params map[string]interface{}, logger arbor.ILogger) string {
	if input == "" || !strings.Contains(input, "{{") {
		return input
	}

	return placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		if value, ok := ResolvePath(params, path); ok {
			return value
		}
		if logger != nil {
			logger.Warn().
				Str("placeholder", match).
				Str("path", path).
				Msg("Unresolved placeholder - submitting literal text")
		}
		return match
	})
}

// ResolvePath walks a dotted path through nested maps and returns the leaf
// rendered as a string.
func ResolvePath(params map[string]interface{}, path string) (string, bool) {
	if params == nil || path == "" {
		return "", false
	}

	var current interface{} = params
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[segment]
			if !ok {
				return "", false
			}
			current = next
		case map[string]string:
			next, ok := node[segment]
			if !ok {
				return "", false
			}
			current = next
		default:
			return "", false
		}
	}

	switch leaf := current.(type) {
	case nil:
		return "", false
	case string:
		return leaf, true
	case map[string]interface{}, map[string]string:
		return "", false
	default:
		return fmt.Sprint(leaf), true
	}
}

// UnresolvedPlaceholders lists the placeholders in input that params cannot resolve
func UnresolvedPlaceholders(input string, params map[string]interface{}) []string {
	var missing []string
	for _, match := range placeholderPattern.FindAllStringSubmatch(input, -1) {
		if _, ok := ResolvePath(params, match[1]); !ok {
			missing = append(missing, match[0])
		}
	}
	return missing
}
