// Package housekeeping schedules periodic maintenance jobs (disconnect
// snapshot TTL sweep is handled by the LRU's own TTL; this package
// covers sampled stats and anything else that needs a cron-style
// cadence rather than a tight event loop), grounded on arkeep-io's use
// of gocron for scheduled jobs.
package housekeeping

import (
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

type Scheduler struct {
	sched  gocron.Scheduler
	logger zerolog.Logger
}

func New(logger zerolog.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{sched: sched, logger: logger}, nil
}

// Every registers a job that runs at a fixed interval until the
// scheduler is stopped.
func (s *Scheduler) Every(interval time.Duration, name string, job func()) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("panic_value", r).Str("job", name).Msg("housekeeping job panic recovered")
				}
			}()
			job()
		}),
		gocron.WithName(name),
	)
	return err
}

func (s *Scheduler) Start() { s.sched.Start() }

func (s *Scheduler) Stop() error { return s.sched.Shutdown() }
