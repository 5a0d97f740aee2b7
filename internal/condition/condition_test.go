package condition_test

import (
	"context"
	"os/user"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskscheduler/internal/condition"
)

func TestPoller_FiresOnZeroExit(t *testing.T) {
	var mu sync.Mutex
	var fires []string

	p := condition.NewPoller(1, "ops", "exit 0", 30*time.Millisecond, time.Second,
		func(ctx context.Context, taskID int64, reason string) {
			mu.Lock()
			defer mu.Unlock()
			fires = append(fires, reason)
		}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	cancel()
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(fires) == 0 {
		t.Fatal("expected at least one fire on a zero-exit probe")
	}
	for _, reason := range fires {
		if reason != "event:script" {
			t.Fatalf("reason = %q, want event:script", reason)
		}
	}
}

func TestPoller_DoesNotFireOnNonZeroExit(t *testing.T) {
	var mu sync.Mutex
	fired := false

	p := condition.NewPoller(2, "ops", "exit 1", 30*time.Millisecond, time.Second,
		func(ctx context.Context, taskID int64, reason string) {
			mu.Lock()
			defer mu.Unlock()
			fired = true
		}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	cancel()
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatal("non-zero exit should never fire")
	}
}

func TestPoller_SingleFlightSkipsOverlappingTick(t *testing.T) {
	var mu sync.Mutex
	count := 0

	// Interval shorter than the probe's own runtime: overlap should be
	// skipped rather than piling up concurrent probes.
	p := condition.NewPoller(3, "ops", "sleep 0.2 && exit 0", 20*time.Millisecond, time.Second,
		func(ctx context.Context, taskID int64, reason string) {
			mu.Lock()
			count++
			mu.Unlock()
		}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	time.Sleep(500 * time.Millisecond)
	cancel()
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if count > 3 {
		t.Fatalf("fire count = %d, want single-flight to bound overlap tightly", count)
	}
}

func TestPoller_StopWaitsForInFlightProbe(t *testing.T) {
	p := condition.NewPoller(4, "ops", "sleep 0.3 && exit 0", 10*time.Millisecond, time.Second,
		func(ctx context.Context, taskID int64, reason string) {}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

// S2 — probes run under the task's configured account, same privilege drop
// the Runner applies to the task script itself.
func TestPoller_ProbeRunsAsConfiguredAccount(t *testing.T) {
	current, err := user.Current()
	if err != nil {
		t.Skipf("cannot resolve current user: %v", err)
	}

	var mu sync.Mutex
	var fires int

	p := condition.NewPoller(5, current.Username, "exit 0", 30*time.Millisecond, time.Second,
		func(ctx context.Context, taskID int64, reason string) {
			mu.Lock()
			fires++
			mu.Unlock()
		}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	cancel()
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if fires == 0 {
		t.Fatal("expected probe to fire under the process's own account")
	}
}

// A probe configured for an account the process cannot assume never fires:
// privilege resolution fails before the script ever runs.
func TestPoller_ProbeNeverFiresWithUnresolvableAccount(t *testing.T) {
	var mu sync.Mutex
	fired := false

	p := condition.NewPoller(6, "no-such-account-xyz", "exit 0", 30*time.Millisecond, time.Second,
		func(ctx context.Context, taskID int64, reason string) {
			mu.Lock()
			fired = true
			mu.Unlock()
		}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	cancel()
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatal("probe fired despite unresolvable account")
	}
}
