package risk

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Job is a periodic maintenance task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Worker runs maintenance jobs on their intervals until stopped. Each job
// has its own goroutine so a slow job does not delay the others.
type Worker struct {
	jobs   []Job
	logger log.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWorker creates a Worker for jobs. Jobs with a non-positive interval are skipped.
func NewWorker(logger log.Logger, jobs ...Job) *Worker {
	if logger == nil {
		logger = log.Nop()
	}
	var keep []Job
	for _, j := range jobs {
		if j.Interval > 0 && j.Run != nil {
			keep = append(keep, j)
		}
	}
	return &Worker{jobs: keep, logger: logger, stopCh: make(chan struct{})}
}

// MaintenanceJobs returns the standard jobs for e: escalation sweep,
// inactivity retirement with promotion of unblocked risks, and a full
// profile re-aggregation.
func (e *Engine) MaintenanceJobs(sweepEvery, aggregateEvery time.Duration) []Job {
	return []Job{
		{
			Name:     "escalation_sweep",
			Interval: sweepEvery,
			Run: func(ctx context.Context) error {
				_, err := e.Sweeper.Sweep(ctx)
				return err
			},
		},
		{
			Name:     "lifecycle_maintenance",
			Interval: sweepEvery,
			Run: func(ctx context.Context) error {
				if _, err := e.Lifecycle.RetireInactive(ctx); err != nil {
					return err
				}
				_, err := e.Lifecycle.PromoteUnblocked(ctx)
				return err
			},
		},
		{
			Name:     "profile_aggregation",
			Interval: aggregateEvery,
			Run: func(ctx context.Context) error {
				_, err := e.Aggregator.RefreshAll(ctx)
				return err
			},
		},
	}
}

// Start launches one loop per job. It does not block.
func (w *Worker) Start(ctx context.Context) {
	for _, j := range w.jobs {
		w.logger.Info(ctx, "maintenance job starting", "job", j.Name, "interval", j.Interval)
		w.wg.Add(1)
		go w.loop(ctx, j)
	}
}

// Stop signals every loop to exit and waits for in-flight runs to finish.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context, j Job) {
	defer w.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx, j)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runOnce(ctx context.Context, j Job) {
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		w.logger.Error(ctx, err, "maintenance job failed (will retry next interval)", "job", j.Name)
		return
	}
	w.logger.Info(ctx, "maintenance job complete", "job", j.Name, "duration", time.Since(start))
}
