package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerRunsJobOnSchedule(t *testing.T) {
	var runs atomic.Int32
	runner := NewRunner(testLogger())
	runner.Add(&Job{
		Name:     "counter",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	runner.Start(ctx)

	// One run at startup plus several ticks inside the window.
	if got := runs.Load(); got < 3 {
		t.Errorf("got %d runs, want at least 3", got)
	}
}

func TestRunnerSkipsOverlappingRuns(t *testing.T) {
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	var runs atomic.Int32

	runner := NewRunner(testLogger())
	runner.Add(&Job{
		Name:     "slow",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			if inFlight.Add(1) > 1 {
				overlapped.Store(true)
			}
			defer inFlight.Add(-1)
			runs.Add(1)
			time.Sleep(60 * time.Millisecond)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	runner.Start(ctx)

	if overlapped.Load() {
		t.Error("two runs of the same job overlapped")
	}
	if got := runs.Load(); got < 1 || got > 5 {
		t.Errorf("got %d runs of a 60ms job in 150ms, want between 1 and 5", got)
	}
}

func TestRunnerTimeoutReleasesStuckRun(t *testing.T) {
	var runs atomic.Int32
	var deadlined atomic.Int32

	// The job blocks on a dependency that never answers; only the per-job
	// deadline can unstick it.
	runner := NewRunner(testLogger())
	runner.Add(&Job{
		Name:     "stuck",
		Interval: 30 * time.Millisecond,
		Timeout:  10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			<-ctx.Done()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				deadlined.Add(1)
			}
			return ctx.Err()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	runner.Start(ctx)

	if got := runs.Load(); got < 2 {
		t.Errorf("got %d runs, want at least 2; a stuck run must not hold the single-flight guard forever", got)
	}
	if deadlined.Load() < 1 {
		t.Error("no run observed a deadline, want the per-job timeout applied to the run context")
	}
}

func TestRunnerContinuesAfterJobError(t *testing.T) {
	var runs atomic.Int32
	runner := NewRunner(testLogger())
	runner.Add(&Job{
		Name:     "failing",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("boom")
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	runner.Start(ctx)

	if got := runs.Load(); got < 2 {
		t.Errorf("got %d runs, want at least 2; errors must not stop the schedule", got)
	}
}

func TestRunnerRunsJobsIndependently(t *testing.T) {
	var fast, slow atomic.Int32
	runner := NewRunner(testLogger())
	runner.Add(&Job{
		Name:     "fast",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			fast.Add(1)
			return nil
		},
	})
	runner.Add(&Job{
		Name:     "slow",
		Interval: 40 * time.Millisecond,
		Run: func(ctx context.Context) error {
			slow.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	runner.Start(ctx)

	if fastRuns, slowRuns := fast.Load(), slow.Load(); fastRuns <= slowRuns {
		t.Errorf("got fast=%d slow=%d, want the 10ms job to run more often than the 40ms one", fastRuns, slowRuns)
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	runner := NewRunner(testLogger())
	runner.Add(&Job{
		Name:     "idle",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after the context was canceled")
	}
}
