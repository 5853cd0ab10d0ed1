package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// VisibilityScript returns a script evaluating to true when selector matches
// a rendered, visible element.
func VisibilityScript(selector string) string {
	quoted, _ := json.Marshal(selector)
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return false;
	const style = window.getComputedStyle(el);
	const rect = el.getBoundingClientRect();
	return style.display !== 'none' && style.visibility !== 'hidden' && (rect.width > 0 || rect.height > 0);
})()`, quoted)
}

var (
	patternMu    sync.Mutex
	patternCache = map[string]glob.Glob{}
)

// MatchesBlockPattern reports whether url matches a block pattern. Patterns
// are globs over the whole URL ('*' spans '/'); a pattern without wildcards
// matches as a substring. Invalid patterns never match.
func MatchesBlockPattern(url, pattern string) bool {
	if pattern == "" {
		return false
	}
	if !strings.ContainsAny(pattern, "*?[{") {
		return strings.Contains(url, pattern)
	}

	patternMu.Lock()
	g, ok := patternCache[pattern]
	if !ok {
		compiled, err := glob.Compile(pattern)
		if err == nil {
			g = compiled
		}
		patternCache[pattern] = g
	}
	patternMu.Unlock()

	return g != nil && g.Match(url)
}

// Blocked reports whether url matches any of patterns
func Blocked(url string, patterns []string) bool {
	for _, p := range patterns {
		if MatchesBlockPattern(url, p) {
			return true
		}
	}
	return false
}

// PropertyScript returns a script evaluating to the named attribute or DOM
// property of the first element matching selector, or "" when absent.
// innerHTML, outerHTML and textContent are read as properties.
func PropertyScript(selector, property string) string {
	quotedSel, _ := json.Marshal(selector)
	quotedProp, _ := json.Marshal(property)
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return "";
	const name = %s;
	if (name === "innerHTML" || name === "outerHTML" || name === "textContent") return el[name] || "";
	return el.getAttribute(name) || "";
})()`, quotedSel, quotedProp)
}
