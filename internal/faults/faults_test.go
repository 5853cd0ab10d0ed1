package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := New(KindCircuitOpen, CategorySystem, "circuit open for %s", "bolt")
	wrapped := fmt.Errorf("submit failed: %w", err)

	assert.True(t, errors.Is(wrapped, ErrCircuitOpen))
	assert.False(t, errors.Is(wrapped, ErrSessionNotFound))
	assert.Equal(t, KindCircuitOpen, KindOf(wrapped))
	assert.Equal(t, "circuit open for bolt", err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, KindWorkflowStepFailed, CategoryBrowser, "step %d", 2)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "step 2: boom", err.Error())
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"tagged", New(KindOperationTimeout, CategoryExtraction, "x"), CategoryExtraction},
		{"network", errors.New("net::ERR_CONNECTION_RESET"), CategoryNetwork},
		{"browser", errors.New("waiting for selector #prompt"), CategoryBrowser},
		{"deadline", context.DeadlineExceeded, CategoryBrowser},
		{"ai", errors.New("model overloaded"), CategoryAI},
		{"api", errors.New("unexpected status code 502"), CategoryAPI},
		{"fallback", errors.New("something odd"), CategorySystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
	assert.Equal(t, Category(""), Categorize(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(KindPrecondition, CategorySystem, "adapter not initialized")))
	assert.True(t, IsFatal(New(KindJobTypeUnknown, CategorySystem, "x")))
	assert.False(t, IsFatal(New(KindOperationTimeout, CategoryBrowser, "x")))
	assert.False(t, IsFatal(errors.New("plain")))
}
