package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Job is a named periodic task. Run is invoked once at startup and then on
// every Interval tick.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run; a run that hits it is canceled so the
	// single-flight guard cannot stay held forever. Zero means no deadline.
	Timeout time.Duration
	Run     func(ctx context.Context) error

	running atomic.Bool
}

// Runner drives a set of jobs, each on its own ticker. A tick that fires
// while the previous run of the same job is still in progress is skipped,
// slow runs never queue up behind each other.
type Runner struct {
	jobs   []*Job
	logger *slog.Logger
}

// NewRunner creates an empty Runner.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Add registers a job. Must be called before Start.
func (r *Runner) Add(job *Job) {
	r.jobs = append(r.jobs, job)
}

// Start launches every registered job and blocks until ctx is done and all
// in-flight runs have returned.
func (r *Runner) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range r.jobs {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			r.runJob(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (r *Runner) runJob(ctx context.Context, job *Job) {
	r.logger.Info("Starting job", "job", job.Name, "interval", job.Interval)

	var wg sync.WaitGroup
	launch := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.execute(ctx, job)
		}()
	}

	launch()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			r.logger.Info("Stopped job", "job", job.Name)
			return
		case <-ticker.C:
			launch()
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *Job) {
	if !job.running.CompareAndSwap(false, true) {
		r.logger.Warn("Previous run still in progress, skipping tick", "job", job.Name)
		return
	}
	defer job.running.Store(false)

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		r.logger.Error("Job run failed", "job", job.Name, "error", err)
		return
	}
	r.logger.Debug("Job run complete", "job", job.Name, "duration", time.Since(start))
}
