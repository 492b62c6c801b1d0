package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestController() *Controller {
	return New(Config{
		MinDelay:             10 * time.Millisecond,
		MaxDelay:             200 * time.Millisecond,
		BaseDelay:            20 * time.Millisecond,
		Window:                time.Second,
		MaxRPCCallsPerSecond: 1000,
		BatchSizeBase:        12,
	}, zerolog.Nop())
}

func TestDelayAlwaysInBounds(t *testing.T) {
	c := newTestController()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := c.Acquire(ctx); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		c.Report(OutcomeRateLimited)
		d := c.CurrentDelay()
		if d < c.cfg.MinDelay || d > c.cfg.MaxDelay {
			t.Fatalf("delay %v out of bounds [%v, %v]", d, c.cfg.MinDelay, c.cfg.MaxDelay)
		}
	}
}

func TestRateLimitStormForcesCarefulAndShrinksBatch(t *testing.T) {
	c := newTestController()
	ctx := context.Background()

	initial := c.CurrentDelay()
	for i := 0; i < 8; i++ {
		if err := c.Acquire(ctx); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		c.Report(OutcomeRateLimited)
	}

	if c.CurrentDelay() <= initial {
		t.Fatalf("expected delay to strictly increase under sustained rate-limiting, got %v (was %v)", c.CurrentDelay(), initial)
	}
	if c.Mode() != ModeCareful {
		t.Fatalf("expected careful mode after repeated 429s, got %s", c.Mode())
	}
	if got := c.OptimalBatchSize(); got > 9 {
		t.Fatalf("expected batch size <= 9 in careful mode, got %d", got)
	}
}

func TestOptimalBatchSizeMonotoneInMode(t *testing.T) {
	c := newTestController()

	c.mu.Lock()
	c.mode = ModeFast
	c.mu.Unlock()
	fast := c.OptimalBatchSize()

	c.mu.Lock()
	c.mode = ModeNormal
	c.mu.Unlock()
	normal := c.OptimalBatchSize()

	c.mu.Lock()
	c.mode = ModeCareful
	c.mu.Unlock()
	careful := c.OptimalBatchSize()

	if !(fast >= normal && normal >= careful) {
		t.Fatalf("expected fast >= normal >= careful, got %d >= %d >= %d", fast, normal, careful)
	}
}

func TestSuccessStreakDecreasesDelay(t *testing.T) {
	c := newTestController()
	ctx := context.Background()

	c.mu.Lock()
	c.currentDelay = 100 * time.Millisecond
	c.mode = ModeNormal
	c.mu.Unlock()

	for i := 0; i < 5; i++ {
		if err := c.Acquire(ctx); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		c.Report(OutcomeSuccess)
	}

	if c.CurrentDelay() >= 100*time.Millisecond {
		t.Fatalf("expected delay to decrease after success streak, got %v", c.CurrentDelay())
	}
}

func TestWindowNeverExceedsCapacity(t *testing.T) {
	c := New(Config{
		MinDelay:             time.Millisecond,
		MaxDelay:             50 * time.Millisecond,
		BaseDelay:            time.Millisecond,
		Window:                time.Second,
		MaxRPCCallsPerSecond: 5,
		BatchSizeBase:        12,
	}, zerolog.Nop())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = c.Acquire(ctx)
	}

	snap := c.Snapshot()
	if snap.WindowSize > 5 {
		t.Fatalf("window size %d exceeds capacity 5", snap.WindowSize)
	}
}
