package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/vidalytics/corehub/internal/corerr"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := New(cfg, nil, nil, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		if err := e.Stop(5 * time.Second); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	})
	return e
}

func waitResult(t *testing.T, e *Engine, taskID string) *TaskResult {
	t.Helper()
	r, ok := e.GetResult(context.Background(), taskID, true, 5*time.Second)
	if !ok {
		t.Fatalf("GetResult(%s) timed out waiting for a terminal result", taskID)
	}
	return r
}

func TestSubmitCompletesSuccessfully(t *testing.T) {
	e := newTestEngine(t, Config{Workers: 1})

	taskID, err := e.Submit(context.Background(), func(context.Context) (any, error) {
		return "done", nil
	}, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	r := waitResult(t, e, taskID)
	if r.Status != StatusCompleted {
		t.Fatalf("Status = %v, want %v", r.Status, StatusCompleted)
	}
	if r.Value != "done" {
		t.Fatalf("Value = %v, want %q", r.Value, "done")
	}
}

// TestPriorityOrderingDrainsHighestLevelFirst pins a single worker so tasks
// queue up, then submits low before critical; critical must still finish
// first since a single-worker pool always drains highest-level-first.
func TestPriorityOrderingDrainsHighestLevelFirst(t *testing.T) {
	e := New(Config{Workers: 1}, nil, nil, nil)

	gate := make(chan struct{})
	order := make(chan string, 3)

	// Occupy the sole worker so every subsequent Submit queues instead of
	// running immediately, letting us control drain order deterministically.
	blockerID, err := e.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, SubmitOptions{Priority: Normal})
	if err != nil {
		t.Fatalf("Submit(blocker) error = %v", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Stop(5 * time.Second)

	// Give the worker a moment to pick up the blocker before queuing more.
	time.Sleep(20 * time.Millisecond)

	low, err := e.Submit(context.Background(), func(context.Context) (any, error) {
		order <- "low"
		return nil, nil
	}, SubmitOptions{Priority: Low})
	if err != nil {
		t.Fatalf("Submit(low) error = %v", err)
	}
	critical, err := e.Submit(context.Background(), func(context.Context) (any, error) {
		order <- "critical"
		return nil, nil
	}, SubmitOptions{Priority: Critical})
	if err != nil {
		t.Fatalf("Submit(critical) error = %v", err)
	}

	close(gate)
	waitResult(t, e, blockerID)
	waitResult(t, e, low)
	waitResult(t, e, critical)

	first := <-order
	if first != "critical" {
		t.Fatalf("first task drained = %q, want %q (critical must starve low under load)", first, "critical")
	}
}

// TestFIFOWithinPriorityLevel checks that same-priority tasks drain in
// submission order.
func TestFIFOWithinPriorityLevel(t *testing.T) {
	e := New(Config{Workers: 1}, nil, nil, nil)

	gate := make(chan struct{})
	order := make(chan int, 3)

	blockerID, err := e.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit(blocker) error = %v", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Stop(5 * time.Second)

	time.Sleep(20 * time.Millisecond)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		i := i
		id, err := e.Submit(context.Background(), func(context.Context) (any, error) {
			order <- i
			return nil, nil
		}, SubmitOptions{})
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		ids = append(ids, id)
	}

	close(gate)
	waitResult(t, e, blockerID)
	for _, id := range ids {
		waitResult(t, e, id)
	}

	for i := 0; i < 3; i++ {
		got := <-order
		if got != i {
			t.Fatalf("drain order[%d] = %d, want %d", i, got, i)
		}
	}
}

// TestTimeoutIsAnchoredToExecutionNotSubmission is the regression test for
// the bug where Task.Deadline was computed at Submit() time: a task queued
// behind a long-running blocker must get its full timeout budget starting
// from when a worker actually picks it up, not from when it was submitted.
func TestTimeoutIsAnchoredToExecutionNotSubmission(t *testing.T) {
	e := New(Config{Workers: 1}, nil, nil, nil)

	blockFor := 150 * time.Millisecond
	blockerID, err := e.Submit(context.Background(), func(ctx context.Context) (any, error) {
		select {
		case <-time.After(blockFor):
		case <-ctx.Done():
		}
		return nil, nil
	}, SubmitOptions{Priority: Normal, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Submit(blocker) error = %v", err)
	}

	queuedID, err := e.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return "ran", nil
	}, SubmitOptions{Priority: Normal, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Submit(queued) error = %v", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Stop(5 * time.Second)

	waitResult(t, e, blockerID)
	r := waitResult(t, e, queuedID)

	// queuedID waited ~blockFor in queue before its worker picked it up. If
	// the timeout were anchored to Submit() time it would already have
	// expired by then and this would report StatusTimeout with near-zero
	// exec time instead of running to completion.
	if r.Status != StatusCompleted {
		t.Fatalf("Status = %v, want %v (queue wait must not consume the execution timeout budget)", r.Status, StatusCompleted)
	}
	if r.Value != "ran" {
		t.Fatalf("Value = %v, want %q", r.Value, "ran")
	}
}

func TestExecutionTimeoutReportsExecTimeAtLeastTimeout(t *testing.T) {
	e := newTestEngine(t, Config{Workers: 1})

	timeout := 30 * time.Millisecond
	taskID, err := e.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, SubmitOptions{Timeout: timeout})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	r := waitResult(t, e, taskID)
	if r.Status != StatusTimeout {
		t.Fatalf("Status = %v, want %v", r.Status, StatusTimeout)
	}
	if r.ExecTimeMs < timeout.Milliseconds() {
		t.Fatalf("ExecTimeMs = %d, want >= %d (testable property 6)", r.ExecTimeMs, timeout.Milliseconds())
	}
}

func TestSubmitFailsWhenQueueFull(t *testing.T) {
	e := New(Config{QueueCapacity: 1}, nil, nil, nil)
	// Start() is never called: with no worker draining the queue, the
	// first push at a priority level fills it and the second must fail.
	if _, err := e.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil }, SubmitOptions{Priority: Low}); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if _, err := e.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil }, SubmitOptions{Priority: Low}); err == nil {
		t.Fatal("second Submit() at the same priority level error = nil, want a queue-full Validation error")
	}
}

func TestErrKindSurvivesToTaskResult(t *testing.T) {
	e := newTestEngine(t, Config{Workers: 1})

	taskID, err := e.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, corerr.New(corerr.SpecialistUnavailable, "specialist temporarily unavailable", nil)
	}, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	r := waitResult(t, e, taskID)
	if r.Status != StatusFailed {
		t.Fatalf("Status = %v, want %v", r.Status, StatusFailed)
	}
	if r.ErrKind != corerr.SpecialistUnavailable {
		t.Fatalf("ErrKind = %q, want %q (the typed kind must survive being flattened through err.Error())", r.ErrKind, corerr.SpecialistUnavailable)
	}
}
