// Package budget tracks the wall-clock allowance of one invocation and hands
// out per-operation deadlines that never outlive it.
package budget

import (
	"context"
	"time"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Budget is a deadline started at construction time.
type Budget struct {
	clock     Clock
	start     time.Time
	deadline  time.Time
	opTimeout time.Duration
}

// New starts a budget of total. opTimeout caps every operation context.
func New(clock Clock, total, opTimeout time.Duration) *Budget {
	if clock == nil {
		clock = RealClock{}
	}
	start := clock.Now()
	return &Budget{
		clock:     clock,
		start:     start,
		deadline:  start.Add(total),
		opTimeout: opTimeout,
	}
}

// Remaining returns the time left, never negative.
func (b *Budget) Remaining() time.Duration {
	left := b.deadline.Sub(b.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

// Exhausted reports whether no time is left.
func (b *Budget) Exhausted() bool {
	return b.Remaining() <= 0
}

// Elapsed returns the time since the budget started.
func (b *Budget) Elapsed() time.Duration {
	return b.clock.Now().Sub(b.start)
}

// OpTimeout returns min(opTimeout, Remaining()).
func (b *Budget) OpTimeout() time.Duration {
	left := b.Remaining()
	if b.opTimeout > 0 && b.opTimeout < left {
		return b.opTimeout
	}
	return left
}

// OpContext derives a context for a single network or store operation.
func (b *Budget) OpContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.OpTimeout())
}
