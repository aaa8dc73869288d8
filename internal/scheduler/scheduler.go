// Package scheduler runs periodic PersonaPipe jobs, such as the daily
// horoscope broadcast, on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 30 * time.Minute

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron       *cron.Cron
	ctx        context.Context
	cancel     context.CancelFunc
	jobTimeout time.Duration
}

// Option configures a Scheduler.
type Option func(*schedulerOpts)

type schedulerOpts struct {
	location   *time.Location
	jobTimeout time.Duration
}

// WithLocation evaluates cron expressions in loc instead of the local zone.
func WithLocation(loc *time.Location) Option {
	return func(o *schedulerOpts) { o.location = loc }
}

// WithJobTimeout overrides DefaultJobTimeout.
func WithJobTimeout(d time.Duration) Option {
	return func(o *schedulerOpts) { o.jobTimeout = d }
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := schedulerOpts{location: time.Local, jobTimeout: DefaultJobTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.location),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel, jobTimeout: cfg.jobTimeout}
}

// AddJob schedules job under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, job Job) error {
	_, err := s.cron.AddFunc(expr, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for job %s: %w", expr, name, err)
	}
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "cron", expr)
	return nil
}

// RunNow executes job immediately in the caller's goroutine, with the same
// timeout and logging as a scheduled run.
func (s *Scheduler) RunNow(name string, job Job) {
	s.run(name, job)
}

func (s *Scheduler) run(name string, job Job) {
	runID := uuid.NewString()
	log := slog.With("job", name, "runID", runID)
	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	log.Info("Scheduler.run: job started")
	if err := job(ctx); err != nil {
		log.Error("Scheduler.run: job failed", "error", err, "duration", time.Since(start))
		return
	}
	log.Info("Scheduler.run: job finished", "duration", time.Since(start))
}

// Stop stops the cron scheduler, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
