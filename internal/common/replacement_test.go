package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
)

func createTestLogger() arbor.ILogger {
	return arbor.NewLogger()
}

func TestInterpolate_Simple(t *testing.T) {
	out := Interpolate("{{prompt}}", map[string]interface{}{"prompt": "build a todo app"}, createTestLogger())
	assert.Equal(t, "build a todo app", out)
}

func TestInterpolate_Nested(t *testing.T) {
	params := map[string]interface{}{
		"project": map[string]interface{}{"url": "https://bolt.new/~/sb1-abc"},
		"name":    "demo",
	}
	out := Interpolate("Fork {{ project.url }} as {{name}}", params, createTestLogger())
	assert.Equal(t, "Fork https://bolt.new/~/sb1-abc as demo", out)
}

func TestInterpolate_UnresolvedKeepsLiteral(t *testing.T) {
	params := map[string]interface{}{"prompt": "hello"}
	out := Interpolate("{{promt}} and {{prompt}}", params, createTestLogger())
	assert.Equal(t, "{{promt}} and hello", out)
}

func TestInterpolate_NonStringLeaf(t *testing.T) {
	params := map[string]interface{}{"limits": map[string]interface{}{"max": 3}}
	assert.Equal(t, "max=3", Interpolate("max={{limits.max}}", params, createTestLogger()))
}

func TestInterpolate_PathThroughLeafFails(t *testing.T) {
	params := map[string]interface{}{"prompt": "hello"}
	assert.Equal(t, "{{prompt.text}}", Interpolate("{{prompt.text}}", params, createTestLogger()))
}

func TestInterpolate_MapLeafIsUnresolved(t *testing.T) {
	params := map[string]interface{}{"project": map[string]interface{}{"url": "u"}}
	assert.Equal(t, "{{project}}", Interpolate("{{project}}", params, nil))
}

func TestInterpolate_NoPlaceholders(t *testing.T) {
	assert.Equal(t, "", Interpolate("", nil, nil))
	assert.Equal(t, "plain {text}", Interpolate("plain {text}", nil, nil))
}

func TestUnresolvedPlaceholders(t *testing.T) {
	params := map[string]interface{}{"a": "1", "b": map[string]string{"c": "2"}}
	assert.Equal(t, []string{"{{x}}", "{{b.d}}"}, UnresolvedPlaceholders("{{a}} {{x}} {{b.c}} {{b.d}}", params))
	assert.Nil(t, UnresolvedPlaceholders("{{a}}", params))
}
