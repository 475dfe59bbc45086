package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"drydock/scan"
	"drydock/types"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	triggers []types.ScanTrigger
	err      error
}

func (f *fakeDispatcher) Run(ctx context.Context, trigger types.ScanTrigger) (*types.ScanRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	if f.err != nil {
		return nil, f.err
	}
	return &types.ScanRun{ID: "run-1", Trigger: trigger}, nil
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	if _, err := NewScheduler("not a cron spec", &fakeDispatcher{}); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestWeeklyScheduleFiresMondayTenUTC(t *testing.T) {
	sched, err := cron.ParseStandard("0 10 * * 1")
	if err != nil {
		t.Fatalf("the weekly schedule must parse: %v", err)
	}

	// Wherever we start from, the next firing is a Monday at 10:00 UTC.
	from := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC) // A Wednesday
	next := sched.Next(from)

	if next.Weekday() != time.Monday {
		t.Errorf("expected Monday, got %s", next.Weekday())
	}
	if next.Hour() != 10 || next.Minute() != 0 {
		t.Errorf("expected 10:00, got %02d:%02d", next.Hour(), next.Minute())
	}
}

func TestNextRunBeforeStart(t *testing.T) {
	s, err := NewScheduler("0 10 * * 1", &fakeDispatcher{})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	next := s.NextRun()
	if next.IsZero() {
		t.Fatal("NextRun should compute a time before Start")
	}
	if next.Weekday() != time.Monday {
		t.Errorf("expected next run on Monday, got %s", next.Weekday())
	}
}

func TestManualDispatch(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s, err := NewScheduler("0 10 * * 1", dispatcher)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	run, err := s.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if run.Trigger != types.TriggerManual {
		t.Errorf("expected manual trigger, got %s", run.Trigger)
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.triggers) != 1 || dispatcher.triggers[0] != types.TriggerManual {
		t.Errorf("expected one manual trigger, got %v", dispatcher.triggers)
	}
}

func TestFireSkipsWhenRunInProgress(t *testing.T) {
	dispatcher := &fakeDispatcher{err: scan.ErrRunInProgress}
	s, err := NewScheduler("0 10 * * 1", dispatcher)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	// Must not panic or queue; the trigger is simply skipped.
	s.fire(context.Background(), types.TriggerSchedule)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.triggers) != 1 {
		t.Errorf("expected a single dispatch attempt, got %d", len(dispatcher.triggers))
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	s, err := NewScheduler("0 10 * * 1", &fakeDispatcher{})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Start(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Start did not stop after context cancellation")
	}
}
