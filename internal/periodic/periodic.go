// Package periodic runs jobs on a fixed interval on top of robfig/cron.
package periodic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type Job func(ctx context.Context) error

// Runner owns one cron instance. A job never overlaps with itself: a tick that arrives while
// the previous run is still going is skipped.
type Runner struct {
	c    *cron.Cron
	jobs []entry
	// RunAtStart runs every job once before the first tick.
	RunAtStart bool
}

type entry struct {
	name     string
	interval time.Duration
	fn       Job
}

func New() *Runner {
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	return &Runner{
		c: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		RunAtStart: true,
	}
}

// Every registers fn at the given interval. cron rounds intervals down to whole seconds, minimum 1s.
func (r *Runner) Every(interval time.Duration, name string, fn Job) error {
	if interval <= 0 {
		return fmt.Errorf("periodic %s: interval must be positive", name)
	}
	r.jobs = append(r.jobs, entry{name: name, interval: interval, fn: fn})
	return nil
}

// Run starts the schedule and blocks until ctx is done, then waits for in-flight runs.
func (r *Runner) Run(ctx context.Context) error {
	if r.RunAtStart {
		for _, e := range r.jobs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			runJob(ctx, e)
		}
	}
	for _, e := range r.jobs {
		e := e
		r.c.Schedule(cron.Every(e.interval), cron.FuncJob(func() { runJob(ctx, e) }))
		slog.Info("periodic job scheduled", "job", e.name, "interval", e.interval)
	}

	r.c.Start()
	<-ctx.Done()
	<-r.c.Stop().Done()
	return ctx.Err()
}

func runJob(ctx context.Context, e entry) {
	start := time.Now()
	if err := e.fn(ctx); err != nil {
		slog.Error("periodic job failed", "job", e.name, "err", err, "duration", time.Since(start))
		return
	}
	slog.Debug("periodic job finished", "job", e.name, "duration", time.Since(start))
}
