// Package scheduler runs periodic maintenance jobs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dvloznov/merchant-categorizer/internal/logger"
)

// CronScheduler runs a single job on a standard five-field cron expression.
// Runs never overlap: a tick that fires while the previous run is still going
// is skipped.
type CronScheduler struct {
	spec    string
	timeout time.Duration
	cron    *cron.Cron
}

// NewCronScheduler validates spec and builds a scheduler. timeout bounds each
// run; zero means no bound.
func NewCronScheduler(spec string, timeout time.Duration) (*CronScheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("NewCronScheduler: invalid cron expression %q: %w", spec, err)
	}
	return &CronScheduler{spec: spec, timeout: timeout}, nil
}

// Start registers job and begins ticking. Each run gets a context derived from
// ctx carrying the same logger.
func (c *CronScheduler) Start(ctx context.Context, name string, job func(ctx context.Context) error) error {
	if job == nil {
		return errors.New("scheduler: nil job")
	}
	if c.cron != nil {
		return errors.New("scheduler: already started")
	}

	log := logger.FromContext(ctx).With().Str("job", name).Str("schedule", c.spec).Logger()
	runner := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	_, err := runner.AddFunc(c.spec, func() {
		runCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		start := time.Now()
		if err := job(runCtx); err != nil {
			log.Error().Err(err).Dur("duration", time.Since(start)).Msg("Scheduled job failed")
			return
		}
		log.Info().Dur("duration", time.Since(start)).Msg("Scheduled job completed")
	})
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", name, err)
	}

	c.cron = runner
	runner.Start()
	log.Info().Msg("Scheduler started")
	return nil
}

// Stop halts the scheduler and waits for a running job, bounded by ctx.
func (c *CronScheduler) Stop(ctx context.Context) error {
	if c.cron == nil {
		return nil
	}
	done := c.cron.Stop().Done()
	c.cron = nil

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
