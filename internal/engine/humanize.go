package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Humanizer paces interactions so they resemble a person at a keyboard
type Humanizer interface {
	// KeystrokeDelay is the pause between two typed characters
	KeystrokeDelay() time.Duration
	// StepPause is the pause after a workflow step marked humanLike
	StepPause() time.Duration
}

// RandomHumanizer draws delays uniformly from fixed ranges
type RandomHumanizer struct {
	mu            sync.Mutex
	rnd           *rand.Rand
	keystrokeMin  time.Duration
	keystrokeSpan time.Duration
	pauseMin      time.Duration
	pauseSpan     time.Duration
}

// NewRandomHumanizer types at 50-150ms per key and pauses 500-1500ms between steps
func NewRandomHumanizer() *RandomHumanizer {
	return &RandomHumanizer{
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())),
		keystrokeMin:  50 * time.Millisecond,
		keystrokeSpan: 100 * time.Millisecond,
		pauseMin:      500 * time.Millisecond,
		pauseSpan:     1000 * time.Millisecond,
	}
}

func (h *RandomHumanizer) KeystrokeDelay() time.Duration {
	return h.draw(h.keystrokeMin, h.keystrokeSpan)
}

func (h *RandomHumanizer) StepPause() time.Duration {
	return h.draw(h.pauseMin, h.pauseSpan)
}

func (h *RandomHumanizer) draw(min, span time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return min + time.Duration(h.rnd.Int63n(int64(span)+1))
}

// InstantHumanizer never waits. Used by tests.
type InstantHumanizer struct{}

func (InstantHumanizer) KeystrokeDelay() time.Duration { return 0 }
func (InstantHumanizer) StepPause() time.Duration      { return 0 }

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
