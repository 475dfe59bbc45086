package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"drydock/manager"
	"drydock/topology"
	"drydock/types"
)

type recordingBus struct {
	mu     sync.Mutex
	events []types.Event
}

func (b *recordingBus) Publish(e types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) all() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Event(nil), b.events...)
}

// serviceFor builds a gated service whose healthcheck targets the test server.
func serviceFor(t *testing.T, ts *httptest.Server, retries int) *topology.Service {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("failed to parse test server port: %v", err)
	}
	return &topology.Service{
		Image: "img",
		Healthcheck: &topology.Healthcheck{
			Path:     "/tree",
			Port:     port,
			Interval: topology.Duration(10 * time.Millisecond),
			Timeout:  topology.Duration(time.Second),
			Retries:  retries,
		},
	}
}

func TestGatePassesOnceServiceResponds(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tree" {
			t.Errorf("expected probe path /tree, got %s", r.URL.Path)
		}
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sm := manager.NewStateManager()
	sm.RegisterService("client")
	bus := &recordingBus{}
	checker := NewChecker(sm, bus, "127.0.0.1")

	svc := serviceFor(t, ts, 10)
	if err := checker.Gate(context.Background(), "client", svc); err != nil {
		t.Fatalf("Gate should pass once the service responds: %v", err)
	}

	status, _ := sm.GetStatus("client")
	if status.Health != types.HealthHealthy {
		t.Errorf("expected healthy state after gate, got %s", status.Health)
	}

	events := bus.all()
	if len(events) != 1 {
		t.Fatalf("expected one ServiceHealthy event, got %d", len(events))
	}
	if _, ok := events[0].(types.ServiceHealthy); !ok {
		t.Errorf("expected ServiceHealthy event, got %T", events[0])
	}
}

func TestGateFailsAfterRetryExhaustion(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	sm := manager.NewStateManager()
	sm.RegisterService("client")
	checker := NewChecker(sm, &recordingBus{}, "127.0.0.1")

	svc := serviceFor(t, ts, 3)
	if err := checker.Gate(context.Background(), "client", svc); err == nil {
		t.Fatal("Gate should fail when retries are exhausted")
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Errorf("expected exactly 3 probe attempts, got %d", got)
	}

	status, _ := sm.GetStatus("client")
	if status.Health != types.HealthUnhealthy {
		t.Errorf("expected unhealthy state after exhaustion, got %s", status.Health)
	}
}

func TestGateHonorsContextCancellation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	sm := manager.NewStateManager()
	sm.RegisterService("client")
	checker := NewChecker(sm, &recordingBus{}, "127.0.0.1")

	svc := serviceFor(t, ts, 1000)
	svc.Healthcheck.Interval = topology.Duration(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- checker.Gate(ctx, "client", svc)
	}()
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected cancellation error from Gate")
		}
	case <-time.After(2 * time.Second):
		t.Error("Gate did not return after context cancellation")
	}
}

func TestGateSkipsServicesWithoutHealthcheck(t *testing.T) {
	sm := manager.NewStateManager()
	sm.RegisterService("connect")
	checker := NewChecker(sm, &recordingBus{}, "127.0.0.1")

	if err := checker.Gate(context.Background(), "connect", &topology.Service{Image: "img"}); err != nil {
		t.Errorf("services without a healthcheck must gate trivially: %v", err)
	}
}

func TestCheckServicePublishesTransitions(t *testing.T) {
	var mu sync.Mutex
	healthy := true
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ok := healthy
		mu.Unlock()
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	sm := manager.NewStateManager()
	sm.RegisterService("client")
	sm.UpdateContainer("client", "abc") // CheckService only probes running services
	bus := &recordingBus{}
	checker := NewChecker(sm, bus, "127.0.0.1")

	svc := serviceFor(t, ts, 1)

	if err := checker.CheckService("client", svc); err != nil {
		t.Fatalf("CheckService failed: %v", err)
	}
	status, _ := sm.GetStatus("client")
	if status.Health != types.HealthHealthy {
		t.Fatalf("expected healthy, got %s", status.Health)
	}

	mu.Lock()
	healthy = false
	mu.Unlock()

	if err := checker.CheckService("client", svc); err != nil {
		t.Fatalf("CheckService failed: %v", err)
	}
	status, _ = sm.GetStatus("client")
	if status.Health != types.HealthUnhealthy {
		t.Fatalf("expected unhealthy after 404, got %s", status.Health)
	}

	var sawUnhealthy bool
	for _, e := range bus.all() {
		if _, ok := e.(types.ServiceUnhealthy); ok {
			sawUnhealthy = true
		}
	}
	if !sawUnhealthy {
		t.Error("expected a ServiceUnhealthy transition event")
	}
}
