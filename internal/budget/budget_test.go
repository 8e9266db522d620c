package budget_test

import (
	"context"
	"testing"
	"time"

	"github.com/dharsanguruparan/foliosync/internal/budget"
	"github.com/dharsanguruparan/foliosync/internal/testutil"
)

func TestBudgetOpTimeoutNeverExceedsRemaining(t *testing.T) {
	clock := testutil.FixedClock()
	b := budget.New(clock, 20*time.Second, 5*time.Second)

	if got := b.OpTimeout(); got != 5*time.Second {
		t.Fatalf("OpTimeout() = %s, want 5s", got)
	}
	clock.Advance(17 * time.Second)
	if got := b.OpTimeout(); got != 3*time.Second {
		t.Fatalf("OpTimeout() = %s, want 3s", got)
	}
	if b.Exhausted() {
		t.Fatal("budget exhausted too early")
	}
	clock.Advance(4 * time.Second)
	if !b.Exhausted() || b.Remaining() != 0 {
		t.Fatalf("Remaining() = %s, want exhausted", b.Remaining())
	}
	if b.Elapsed() != 21*time.Second {
		t.Fatalf("Elapsed() = %s", b.Elapsed())
	}
}

func TestOpContextExpiredWhenExhausted(t *testing.T) {
	clock := testutil.FixedClock()
	b := budget.New(clock, time.Second, 500*time.Millisecond)
	clock.Advance(2 * time.Second)

	ctx, cancel := b.OpContext(context.Background())
	defer cancel()
	<-ctx.Done()
	if ctx.Err() == nil {
		t.Fatal("expected expired context")
	}
}
