package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesBlockPattern(t *testing.T) {
	tests := []struct {
		url     string
		pattern string
		want    bool
	}{
		{"https://cdn.example.com/logo.png", "*.png", true},
		{"https://cdn.example.com/logo.png?v=1", "*.png", false},
		{"https://www.google-analytics.com/collect", "google-analytics", true},
		{"https://bolt.new/api/chat", "*/api/*", true},
		{"https://bolt.new/", "", false},
		{"https://cdn.example.com/app.js", "*.{js,css}", true},
		{"https://bolt.new/", "[", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchesBlockPattern(tt.url, tt.pattern), "%s ~ %s", tt.url, tt.pattern)
	}
}

func TestVisibilityScriptQuotesSelector(t *testing.T) {
	script := VisibilityScript(`button[aria-label="Send"]`)
	assert.Contains(t, script, `document.querySelector("button[aria-label=\"Send\"]")`)
}

func TestPropertyScript(t *testing.T) {
	script := PropertyScript(`a[href*="x"]`, "href")
	assert.Contains(t, script, `"a[href*=\"x\"]"`)
	assert.Contains(t, script, `"href"`)
	assert.Contains(t, script, "getAttribute")
}
