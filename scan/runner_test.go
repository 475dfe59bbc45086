package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"drydock/types"
)

type nopBus struct{}

func (nopBus) Publish(types.Event) {}

type fakeTester struct {
	mu       sync.Mutex
	requests []TestRequest
	results  map[string]*TestResult
	errs     map[string]error
	block    chan struct{} // When set, Test blocks until closed
}

func (f *fakeTester) Test(ctx context.Context, req TestRequest) (*TestResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if err, ok := f.errs[req.Manifest]; ok {
		return nil, err
	}
	if res, ok := f.results[req.Manifest]; ok {
		return res, nil
	}
	return &TestResult{OK: true, Summary: "clean"}, nil
}

func scanConfig(t *testing.T) types.ScanConfig {
	t.Helper()
	dir := t.TempDir()
	for _, file := range []string{"setup.py", "requirements.txt"} {
		if err := os.WriteFile(filepath.Join(dir, file), []byte("content"), 0644); err != nil {
			t.Fatalf("failed to write manifest: %v", err)
		}
	}
	return types.ScanConfig{
		Enabled: true,
		Org:     "rsconnect-python",
		Dir:     dir,
		Manifests: []types.ManifestScan{
			{File: "setup.py", ProjectName: "rsconnect-python-setup.py", PackageManager: "pip"},
			{File: "requirements.txt", ProjectName: "rsconnect-python-requirements.txt", PackageManager: "pip"},
		},
	}
}

func TestRunInvokesEveryManifestOnce(t *testing.T) {
	tester := &fakeTester{}
	runner := NewRunner(scanConfig(t), tester, nopBus{})

	run, err := runner.Run(context.Background(), types.TriggerSchedule)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if run.Failed {
		t.Error("clean run should not be marked failed")
	}
	if len(run.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(run.Results))
	}
	if run.ID == "" {
		t.Error("run should have an ID")
	}

	if len(tester.requests) != 2 {
		t.Fatalf("expected exactly 2 invocations, got %d", len(tester.requests))
	}
	if tester.requests[0].ProjectName == tester.requests[1].ProjectName {
		t.Error("each manifest must be recorded under a distinct project name")
	}
	if tester.requests[0].Manifest != "setup.py" || tester.requests[1].Manifest != "requirements.txt" {
		t.Errorf("unexpected manifests: %q, %q", tester.requests[0].Manifest, tester.requests[1].Manifest)
	}
}

func TestRunFailsOnIssues(t *testing.T) {
	tester := &fakeTester{
		results: map[string]*TestResult{
			"requirements.txt": {OK: false, IssueCount: 3, Summary: "3 vulnerable paths"},
		},
	}
	runner := NewRunner(scanConfig(t), tester, nopBus{})

	run, err := runner.Run(context.Background(), types.TriggerManual)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !run.Failed {
		t.Error("run with issues must be marked failed")
	}
	// The other manifest is still scanned; invocations are independent.
	if len(run.Results) != 2 {
		t.Errorf("expected both manifests scanned, got %d results", len(run.Results))
	}
}

func TestRunRecordsInvocationErrors(t *testing.T) {
	tester := &fakeTester{
		errs: map[string]error{"setup.py": errors.New("service unavailable")},
	}
	runner := NewRunner(scanConfig(t), tester, nopBus{})

	run, err := runner.Run(context.Background(), types.TriggerSchedule)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !run.Failed {
		t.Error("run with an invocation error must be marked failed")
	}
	if run.Results[0].Error == "" {
		t.Error("expected error recorded on the failing result")
	}
}

func TestRunMissingManifest(t *testing.T) {
	cfg := scanConfig(t)
	cfg.Manifests = append(cfg.Manifests, types.ManifestScan{
		File: "missing.txt", ProjectName: "p3", PackageManager: "pip",
	})
	runner := NewRunner(cfg, &fakeTester{}, nopBus{})

	run, err := runner.Run(context.Background(), types.TriggerSchedule)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !run.Failed {
		t.Error("run with an unreadable manifest must be marked failed")
	}
}

func TestRunDisabled(t *testing.T) {
	cfg := scanConfig(t)
	cfg.Enabled = false
	runner := NewRunner(cfg, &fakeTester{}, nopBus{})

	if _, err := runner.Run(context.Background(), types.TriggerManual); !errors.Is(err, ErrScanningDisabled) {
		t.Errorf("expected ErrScanningDisabled, got %v", err)
	}
}

func TestRunOverlapSkipped(t *testing.T) {
	tester := &fakeTester{block: make(chan struct{})}
	runner := NewRunner(scanConfig(t), tester, nopBus{})

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		runner.Run(context.Background(), types.TriggerSchedule)
		close(done)
	}()
	<-started

	// Wait until the first run is inside a Test call.
	for !runner.InProgress() {
	}

	if _, err := runner.Run(context.Background(), types.TriggerManual); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress, got %v", err)
	}

	close(tester.block)
	<-done

	if runner.InProgress() {
		t.Error("runner should be idle after the run completes")
	}
	if len(runner.History()) != 1 {
		t.Errorf("expected one run in history, got %d", len(runner.History()))
	}
}
