// Package scheduler provides cron-based triggering of background work.
// The scheduler never does work itself: it wakes the work processor and
// fires registered jobs on their schedules.
package scheduler

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named piece of scheduled work.
type Job interface {
	Name() string
	Run()
}

// Scheduler wraps a seconds-granularity cron runner.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a new scheduler.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// AddJob schedules a job with a cron expression (with seconds field).
func (s *Scheduler) AddJob(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.log.Debug().Str("job", job.Name()).Msg("Running scheduled job")
		job.Run()
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("job", job.Name()).Str("schedule", spec).Msg("Scheduled job")
	return nil
}

// AddFunc schedules a named function with a cron expression.
func (s *Scheduler) AddFunc(spec, name string, fn func()) error {
	return s.AddJob(spec, funcJob{name: name, fn: fn})
}

// Start begins running scheduled jobs in their own goroutines.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

type funcJob struct {
	name string
	fn   func()
}

func (j funcJob) Name() string { return j.name }
func (j funcJob) Run()         { j.fn() }
