package scan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"drydock/types"
)

// historyLimit bounds how many finished runs are kept in memory.
const historyLimit = 20

var (
	// ErrScanningDisabled is returned when scanning is turned off in config.
	ErrScanningDisabled = errors.New("scanning is disabled")
	// ErrRunInProgress is returned when a run is dispatched while another is active.
	ErrRunInProgress = errors.New("a scan run is already in progress")
)

// Publisher is the slice of the event bus the runner needs.
type Publisher interface {
	Publish(types.Event)
}

// Tester is implemented by the monitoring service client.
type Tester interface {
	Test(ctx context.Context, req TestRequest) (*TestResult, error)
}

// Runner executes scan runs: one invocation per configured manifest, each
// recorded under its own project name.
type Runner struct {
	config types.ScanConfig
	client Tester
	events Publisher

	mu      sync.Mutex
	running bool
	history []types.ScanRun // Most recent first
}

// NewRunner creates a scan runner.
func NewRunner(config types.ScanConfig, client Tester, events Publisher) *Runner {
	return &Runner{
		config: config,
		client: client,
		events: events,
	}
}

// InProgress reports whether a run is currently executing.
func (r *Runner) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// History returns finished runs, most recent first.
func (r *Runner) History() []types.ScanRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ScanRun(nil), r.history...)
}

// Run executes one scan run. The manifests are independent and
// order-insensitive; they are invoked sequentially in configured order, and
// any invocation error or reported issue fails the run.
func (r *Runner) Run(ctx context.Context, trigger types.ScanTrigger) (*types.ScanRun, error) {
	if !r.config.Enabled {
		return nil, ErrScanningDisabled
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrRunInProgress
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	run := types.ScanRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now(),
	}
	log.Printf("[SCAN] Starting run %s (trigger=%s, %d manifests)", run.ID, trigger, len(r.config.Manifests))

	for _, manifest := range r.config.Manifests {
		result := r.scanManifest(ctx, manifest)
		if result.Error != "" || !result.OK {
			run.Failed = true
		}
		run.Results = append(run.Results, result)
	}
	run.FinishedAt = time.Now()

	if run.Failed {
		log.Printf("[SCAN] Run %s failed", run.ID)
	} else {
		log.Printf("[SCAN] Run %s passed", run.ID)
	}

	r.mu.Lock()
	r.history = append([]types.ScanRun{run}, r.history...)
	if len(r.history) > historyLimit {
		r.history = r.history[:historyLimit]
	}
	r.mu.Unlock()

	r.events.Publish(types.ScanRunFinished{
		BaseEvent: types.BaseEvent{Timestamp: time.Now()},
		RunID:     run.ID,
		Failed:    run.Failed,
	})

	return &run, nil
}

func (r *Runner) scanManifest(ctx context.Context, manifest types.ManifestScan) types.ScanResult {
	result := types.ScanResult{
		Manifest:    manifest.File,
		ProjectName: manifest.ProjectName,
	}

	path := filepath.Join(r.config.Dir, manifest.File)
	contents, err := os.ReadFile(path)
	if err != nil {
		result.Error = fmt.Sprintf("failed to read manifest: %v", err)
		log.Printf("[SCAN] [%s] %s", manifest.File, result.Error)
		return result
	}

	verdict, err := r.client.Test(ctx, TestRequest{
		Manifest:       manifest.File,
		Contents:       contents,
		ProjectName:    manifest.ProjectName,
		PackageManager: manifest.PackageManager,
	})
	if err != nil {
		result.Error = err.Error()
		log.Printf("[SCAN] [%s] Invocation failed: %v", manifest.File, err)
		return result
	}

	result.OK = verdict.OK
	result.IssueCount = verdict.IssueCount
	result.Summary = verdict.Summary
	if verdict.OK {
		log.Printf("[SCAN] [%s] Passed: %s", manifest.File, verdict.Summary)
	} else {
		log.Printf("[SCAN] [%s] Found %d issue(s): %s", manifest.File, verdict.IssueCount, verdict.Summary)
	}
	return result
}
