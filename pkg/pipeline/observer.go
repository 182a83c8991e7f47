package pipeline

import (
	"multilevelreg/pkg/engine"
	"multilevelreg/pkg/transform"
	"multilevelreg/pkg/validation"
)

// Observer receives progress callbacks. Callbacks run synchronously on the
// goroutine driving the registration, so their cost adds to the run time.
type Observer interface {
	// OnIterationUpdate is called after every engine iteration.
	OnIterationUpdate(level int, it engine.Iteration)

	// OnLevelComplete is called when a level has appended its increment.
	// overlap is nil when no label overlap was computed.
	OnLevelComplete(level int, composite *transform.Composite, overlap *validation.OverlapReport)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) OnIterationUpdate(int, engine.Iteration) {}

func (NopObserver) OnLevelComplete(int, *transform.Composite, *validation.OverlapReport) {}
