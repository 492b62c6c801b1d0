package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/esharat1/esharar/internal/domain"
	"github.com/esharat1/esharar/internal/ratelimit"
	"github.com/esharat1/esharar/internal/registry"
)

type fakeScheduler struct {
	alive   chan struct{}
	runErr  error
	started int32
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{alive: make(chan struct{})}
}

func (f *fakeScheduler) Alive() <-chan struct{} { return f.alive }

func (f *fakeScheduler) Run(ctx context.Context) error {
	atomic.AddInt32(&f.started, 1)
	<-ctx.Done()
	return f.runErr
}

type fakeRegistry struct{}

func (fakeRegistry) Add(ctx context.Context, subscriberID int64, account string, cred []byte, nickname string) (registry.AddResult, error) {
	return registry.AddResultAdded, nil
}
func (fakeRegistry) Remove(ctx context.Context, subscriberID int64, account string) (registry.RemoveResult, error) {
	return registry.RemoveResultRemoved, nil
}
func (fakeRegistry) SubscribersOf(ctx context.Context, account string) ([]int64, error) {
	return nil, nil
}
func (fakeRegistry) AllActive(ctx context.Context) ([]domain.Watch, error) {
	return []domain.Watch{{Account: "acct1"}}, nil
}
func (fakeRegistry) AdvanceCursor(ctx context.Context, account, signature string) error { return nil }
func (fakeRegistry) ReadSetting(ctx context.Context, key, defaultValue string) (string, error) {
	return defaultValue, nil
}
func (fakeRegistry) WriteSetting(ctx context.Context, key, value string) error { return nil }
func (fakeRegistry) TransferAllTo(ctx context.Context, destSubscriberID int64) (domain.TransferStats, error) {
	return domain.TransferStats{}, nil
}

// TestRun_SpawnsSchedulerOnStart verifies the supervisor starts exactly one
// scheduler goroutine and stops cleanly on context cancellation.
func TestRun_SpawnsSchedulerOnStart(t *testing.T) {
	sched := newFakeScheduler()
	controller := ratelimit.New(ratelimit.Config{}, zerolog.Nop())
	sup := New(func() Scheduler { return sched }, controller, fakeRegistry{}, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor.Run did not return after context cancellation")
	}

	if atomic.LoadInt32(&sched.started) != 1 {
		t.Fatalf("expected scheduler started exactly once, got %d", sched.started)
	}
}

// TestRun_RespawnsAfterSchedulerExit verifies that a scheduler goroutine
// which exits on its own (panic recovered upstream, or returns an error
// while the context is still live) is respawned rather than left dead.
func TestRun_RespawnsAfterSchedulerExit(t *testing.T) {
	first := &fakeScheduler{alive: make(chan struct{})}
	second := &fakeScheduler{alive: make(chan struct{})}
	calls := 0
	newSched := func() Scheduler {
		calls++
		if calls == 1 {
			return exitingScheduler{first}
		}
		return second
	}

	controller := ratelimit.New(ratelimit.Config{}, zerolog.Nop())
	sup := New(newSched, controller, fakeRegistry{}, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	<-done

	if calls < 2 {
		t.Fatalf("expected at least 2 scheduler spawns after the first exited, got %d", calls)
	}
}

// exitingScheduler wraps a fakeScheduler whose Run returns immediately
// instead of blocking on ctx.Done(), simulating a scheduler that crashed.
type exitingScheduler struct {
	*fakeScheduler
}

func (e exitingScheduler) Run(ctx context.Context) error {
	atomic.AddInt32(&e.started, 1)
	return nil
}
