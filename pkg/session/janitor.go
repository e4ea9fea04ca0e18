package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule runs a sweep every minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper removes expired records.
type Sweeper interface {
	Sweep() int
}

// Janitor runs periodic housekeeping on a cron schedule: the session sweep
// plus any extra jobs registered with AddJob.
type Janitor struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	mu      sync.Mutex
	running bool
}

// NewJanitor schedules sweeper.Sweep on schedule (a cron spec or
// descriptor such as "@every 1m").
func NewJanitor(logger zerolog.Logger, sweeper Sweeper, schedule string) (*Janitor, error) {
	if sweeper == nil {
		return nil, errors.New("sweeper is required")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	j := &Janitor{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		logger: logger,
	}

	err := j.AddJob("session_sweep", schedule, func() {
		if removed := sweeper.Sweep(); removed > 0 {
			j.logger.Info().Int("expired", removed).Msg("Expired sessions swept")
		}
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// AddJob registers another named job.
func (j *Janitor) AddJob(name, schedule string, fn func()) error {
	_, err := j.cron.AddFunc(schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				j.logger.Error().Str("job", name).Interface("panic", r).Msg("Janitor job panicked")
			}
		}()
		fn()
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, name, err)
	}
	return nil
}

// Start starts the scheduler.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return errors.New("janitor is already running")
	}
	j.cron.Start()
	j.running = true
	j.logger.Info().Int("jobs", len(j.cron.Entries())).Msg("Janitor started")
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return errors.New("janitor is not running")
	}
	<-j.cron.Stop().Done()
	j.running = false
	j.logger.Info().Msg("Janitor stopped")
	return nil
}

// IsRunning reports whether the scheduler is running.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}
