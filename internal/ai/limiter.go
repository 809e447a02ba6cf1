package ai

import (
	"context"
)

// Limiter caps how many provider calls run at once. One instance is created
// at startup and shared for the life of the process; it wraps the generation
// client so bursts of jobs queue here instead of tripping provider rate
// limits.
type Limiter struct {
	slots chan struct{}
}

// NewLimiter builds a limiter allowing n concurrent calls. n < 1 is treated
// as 1 (fully serialized).
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// Execute runs fn once a slot is free, or returns the context error if the
// caller gives up while waiting.
func (l *Limiter) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.slots }()
	return fn(ctx)
}

// InFlight returns the number of calls currently holding a slot.
func (l *Limiter) InFlight() int {
	return len(l.slots)
}
