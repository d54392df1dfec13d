package jobs

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestScheduler() *Scheduler {
	return NewScheduler(zerolog.New(io.Discard), time.Second)
}

func TestScheduler_EveryRuns(t *testing.T) {
	s := newTestScheduler()
	var runs int32
	if err := s.Every("tick", 20*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&runs) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&runs) < 2 {
		t.Fatalf("expected at least 2 runs, got %d", runs)
	}
}

func TestScheduler_DailyRejectsBadTime(t *testing.T) {
	s := newTestScheduler()
	if err := s.Daily("reminders", "25:99", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid time of day")
	}
}

func TestScheduler_DailyNextRun(t *testing.T) {
	s := newTestScheduler()
	if err := s.Daily("reminders", "09:00", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())

	next, ok := s.NextRuns()["reminders"]
	if !ok {
		t.Fatal("expected reminders job to be listed")
	}
	if next.UTC().Hour() != 9 || next.UTC().Minute() != 0 {
		t.Errorf("expected next run at 09:00 UTC, got %s", next)
	}
}

func TestScheduler_WrapRecoversAndContinues(t *testing.T) {
	s := newTestScheduler()

	s.wrap("panics", func(context.Context) error { panic("boom") })()
	s.wrap("fails", func(context.Context) error { return errors.New("nope") })()

	var gotDeadline bool
	s.wrap("ok", func(ctx context.Context) error {
		_, gotDeadline = ctx.Deadline()
		return nil
	})()
	if !gotDeadline {
		t.Error("expected job context to carry the run timeout")
	}
}

func TestScheduler_StopCancelsJobs(t *testing.T) {
	s := newTestScheduler()
	started := make(chan struct{})
	cancelled := make(chan struct{})

	go s.wrap("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})()
	<-started

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-cancelled:
	default:
		t.Fatal("expected running job to observe cancellation before Stop returned")
	}

	ran := false
	s.wrap("after-stop", func(context.Context) error { ran = true; return nil })()
	if ran {
		t.Error("jobs must not run after Stop")
	}
}

func TestScheduler_StopWhileRunsStart(t *testing.T) {
	s := newTestScheduler()

	var runs sync.WaitGroup
	for i := 0; i < 50; i++ {
		runs.Add(1)
		go func() {
			defer runs.Done()
			s.wrap("burst", func(ctx context.Context) error { return nil })()
		}()
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	runs.Wait()
}
