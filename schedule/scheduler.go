package schedule

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"drydock/scan"
	"drydock/types"
)

// Dispatcher is implemented by the scan runner.
type Dispatcher interface {
	Run(ctx context.Context, trigger types.ScanTrigger) (*types.ScanRun, error)
}

// Scheduler fires scan runs on a cron schedule and accepts manual dispatch.
type Scheduler struct {
	spec   string
	runner Dispatcher
	cron   *cron.Cron
}

// NewScheduler creates a scheduler for the given cron expression, evaluated
// in UTC. The expression is validated up front.
func NewScheduler(spec string, runner Dispatcher) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid scan schedule %q: %w", spec, err)
	}
	return &Scheduler{
		spec:   spec,
		runner: runner,
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}, nil
}

// Start registers the cron trigger and runs until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.fire(ctx, types.TriggerSchedule)
	})
	if err != nil {
		return fmt.Errorf("failed to register scan schedule: %w", err)
	}

	log.Printf("[SCHEDULE] Scan schedule registered: %q (UTC), next run %s",
		s.spec, s.NextRun().Format(time.RFC3339))
	s.cron.Start()

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	// Let an in-flight trigger callback finish before returning.
	<-stopCtx.Done()
	log.Println("[SCHEDULE] Scheduler stopped")
	return nil
}

// Dispatch triggers a manual run, mirroring a workflow_dispatch. The run
// executes synchronously and its outcome is returned to the caller.
func (s *Scheduler) Dispatch(ctx context.Context) (*types.ScanRun, error) {
	return s.runner.Run(ctx, types.TriggerManual)
}

// NextRun reports when the cron trigger fires next. Before Start it computes
// the time from the schedule directly.
func (s *Scheduler) NextRun() time.Time {
	entries := s.cron.Entries()
	if len(entries) > 0 {
		return entries[0].Next
	}
	sched, err := cron.ParseStandard(s.spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now().UTC())
}

func (s *Scheduler) fire(ctx context.Context, trigger types.ScanTrigger) {
	if _, err := s.runner.Run(ctx, trigger); err != nil {
		if errors.Is(err, scan.ErrRunInProgress) {
			// Skip, don't queue: the running scan already covers this trigger.
			log.Printf("[SCHEDULE] Skipping %s trigger: %v", trigger, err)
			return
		}
		log.Printf("[SCHEDULE] Scan run failed to start: %v", err)
	}
}
