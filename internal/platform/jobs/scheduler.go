// Package jobs runs background maintenance on a gocron scheduler.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// Func is the body of a scheduled job. ctx is cancelled on Stop or when the
// run exceeds its timeout.
type Func func(ctx context.Context) error

// Scheduler wraps gocron with logging, panic recovery and shutdown.
type Scheduler struct {
	cron    *gocron.Scheduler
	logger  zerolog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(logger zerolog.Logger, runTimeout time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		cron:    s,
		logger:  logger.With().Str("component", "jobs").Logger(),
		timeout: runTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Daily runs fn every day at "HH:MM" UTC.
func (s *Scheduler) Daily(name, at string, fn Func) error {
	if _, err := s.cron.Every(1).Day().At(at).Tag(name).Do(s.wrap(name, fn)); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Every runs fn at a fixed interval, first run one interval after Start.
func (s *Scheduler) Every(name string, interval time.Duration, fn Func) error {
	if _, err := s.cron.Every(interval).WaitForSchedule().Tag(name).Do(s.wrap(name, fn)); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// RunNow triggers the job registered under name outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	return s.cron.RunByTag(name)
}

// NextRuns reports the next run time of each job by name.
func (s *Scheduler) NextRuns() map[string]time.Time {
	out := make(map[string]time.Time)
	for _, j := range s.cron.Jobs() {
		for _, tag := range j.Tags() {
			out[tag] = j.NextRun()
		}
	}
	return out
}

func (s *Scheduler) Start() {
	s.cron.StartAsync()
	s.logger.Info().Int("jobs", len(s.cron.Jobs())).Msg("scheduler started")
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers a run unless Stop has begun; wg is never added to after Stop.
func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) wrap(name string, fn Func) func() {
	return func() {
		if !s.track() {
			return
		}
		defer s.wg.Done()

		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Str("job", name).Interface("panic", r).Msg("job panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.logger.Error().Err(err).Str("job", name).Dur("took", time.Since(start)).Msg("job failed")
			return
		}
		s.logger.Info().Str("job", name).Dur("took", time.Since(start)).Msg("job completed")
	}
}
