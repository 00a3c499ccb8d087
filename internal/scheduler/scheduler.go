// Package scheduler triggers processing runs on a daily wall-clock
// schedule or at a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/omni-pipeline/internal/config"
	"github.com/yourorg/omni-pipeline/internal/coordinator"
	"github.com/yourorg/omni-pipeline/internal/model"
)

// Starter starts a processing run. Implemented by the coordinator.
type Starter interface {
	StartRun(trigger model.Trigger) (string, error)
}

// Scheduler fires a scheduled run daily at the configured time, or at a
// fixed interval. A firing that collides with an active run is skipped,
// not queued.
type Scheduler struct {
	hour     int
	minute   int
	interval time.Duration
	start    Starter
	log      *logrus.Entry

	// now is swapped in tests
	now func() time.Time
}

// New parses a schedule and returns a scheduler for it. The schedule is
// either "HH:MM" for a daily firing or a Go duration ("30m", "6h") for
// interval mode.
func New(spec string, start Starter) (*Scheduler, error) {
	s := &Scheduler{
		start: start,
		log:   logrus.WithField("component", "scheduler"),
		now:   time.Now,
	}

	hour, minute, err := config.ParseDailySchedule(spec)
	if err == nil {
		s.hour, s.minute = hour, minute
		return s, nil
	}
	if interval, derr := time.ParseDuration(spec); derr == nil && interval > 0 {
		s.interval = interval
		return s, nil
	}
	return nil, err
}

// Run blocks, firing at the scheduled time every day until the context
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.NextFiring(s.now())
		s.log.WithField("next", next.Format(time.RFC3339)).Info("Next scheduled run")

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.fire()
	}
}

func (s *Scheduler) fire() {
	runID, err := s.start.StartRun(model.TriggerScheduled)
	switch {
	case errors.Is(err, coordinator.ErrAlreadyRunning):
		s.log.Warn("Scheduled run skipped: previous run still active")
	case errors.Is(err, coordinator.ErrNoPendingTokens):
		s.log.Info("Scheduled run skipped: nothing pending")
	case err != nil:
		s.log.WithError(err).Error("Scheduled run failed to start")
	default:
		s.log.WithField("run_id", runID).Info("Scheduled run started")
	}
}

// NextFiring returns the first scheduled time strictly after now.
func (s *Scheduler) NextFiring(now time.Time) time.Time {
	if s.interval > 0 {
		return now.Add(s.interval)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
