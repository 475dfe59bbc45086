package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"drydock/manager"
	"drydock/topology"
	"drydock/types"
)

// ContainerRuntime is the slice of the container manager the orchestrator uses.
type ContainerRuntime interface {
	EnsureNetwork(ctx context.Context) error
	RemoveNetwork(ctx context.Context) error
	StartService(ctx context.Context, name string, svc *topology.Service) (string, error)
	WaitForExit(ctx context.Context, containerID string) (int, error)
	StreamLogs(ctx context.Context, containerID string, w io.Writer) error
	SafelyStopService(ctx context.Context, name string) error
}

// HealthGate blocks until a service's healthcheck passes.
type HealthGate interface {
	Gate(ctx context.Context, name string, svc *topology.Service) error
}

// PreviewRegistrar manages preview DNS records for running services.
type PreviewRegistrar interface {
	CreateRecord(ctx context.Context, service string) (*types.ServicePreview, error)
	DeleteRecord(ctx context.Context, service string) error
	GetRecord(service string) (types.ServicePreview, bool)
}

// Publisher is the slice of the event bus the orchestrator needs.
type Publisher interface {
	Publish(types.Event)
}

// Orchestrator brings the environment up, executes the run service, and tears
// everything down again, honoring the topology's dependency conditions.
type Orchestrator struct {
	topo    *topology.Topology
	state   *manager.StateManager
	runtime ContainerRuntime
	health  HealthGate
	events  Publisher
	preview PreviewRegistrar // Optional; nil disables preview records
	runLogs io.Writer
}

// New creates an orchestrator for the given topology. preview may be nil.
func New(topo *topology.Topology, state *manager.StateManager, runtime ContainerRuntime, health HealthGate, events Publisher, preview PreviewRegistrar) *Orchestrator {
	return &Orchestrator{
		topo:    topo,
		state:   state,
		runtime: runtime,
		health:  health,
		events:  events,
		preview: preview,
		runLogs: os.Stdout,
	}
}

// SetRunLogWriter redirects the run service's log stream. Defaults to stdout.
func (o *Orchestrator) SetRunLogWriter(w io.Writer) {
	o.runLogs = w
}

// Up starts every long-running service in dependency order on a shared
// network. A service is only started once each of its dependencies has met
// its declared condition: service_started needs a running container,
// service_healthy additionally blocks on the dependency's healthcheck. The
// run service is not started here; use Run for that. EnvironmentReady is
// published only after every healthchecked service has passed its gate.
func (o *Orchestrator) Up(ctx context.Context) error {
	for name := range o.topo.Services {
		o.state.RegisterService(name)
	}

	batches, err := o.topo.Plan()
	if err != nil {
		return fmt.Errorf("failed to plan environment start: %w", err)
	}

	if err := o.runtime.EnsureNetwork(ctx); err != nil {
		return fmt.Errorf("failed to prepare environment network: %w", err)
	}

	log.Printf("[ORCH] Starting environment: %d services in %d batches", len(o.topo.Services), len(batches))

	for _, batch := range batches {
		for _, name := range batch {
			svc := o.topo.Services[name]
			if svc.Run {
				continue
			}
			if err := o.startService(ctx, name, svc); err != nil {
				return err
			}
		}
	}

	// Every gated service must report healthy before the environment counts
	// as ready. Dependency gating above may have covered some already.
	for _, batch := range batches {
		for _, name := range batch {
			svc := o.topo.Services[name]
			if svc.Run || svc.Healthcheck == nil {
				continue
			}
			if status, _ := o.state.GetStatus(name); status.Health == types.HealthHealthy {
				continue
			}
			if err := o.health.Gate(ctx, name, svc); err != nil {
				return fmt.Errorf("environment not ready: %w", err)
			}
		}
	}

	if o.preview != nil {
		for _, batch := range batches {
			for _, name := range batch {
				if o.topo.Services[name].Run {
					continue
				}
				if _, err := o.preview.CreateRecord(ctx, name); err != nil {
					// Previews are cosmetic; the environment is still usable.
					log.Printf("[ORCH] Warning: failed to create preview record for '%s': %v", name, err)
				}
			}
		}
	}

	log.Println("[ORCH] Environment is up")
	o.events.Publish(types.EnvironmentReady{
		BaseEvent: types.BaseEvent{Timestamp: time.Now()},
	})
	return nil
}

// Run executes the run service: its dependency gates are enforced, the
// container is started, logs are streamed, and the exit code is returned once
// it terminates. Returns an error if the topology has no run service.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	name, ok := o.topo.RunService()
	if !ok {
		return -1, fmt.Errorf("topology has no run service")
	}
	svc := o.topo.Services[name]
	o.state.RegisterService(name)

	if err := o.awaitDependencies(ctx, name, svc); err != nil {
		return -1, err
	}

	log.Printf("[ORCH] Starting run service '%s'", name)
	containerID, err := o.runtime.StartService(ctx, name, svc)
	if err != nil {
		return -1, fmt.Errorf("failed to start run service %s: %w", name, err)
	}
	o.state.UpdateContainer(name, containerID)
	o.events.Publish(types.ServiceStarted{
		BaseEvent:   types.BaseEvent{Timestamp: time.Now(), Service: name},
		ContainerID: containerID,
	})

	// Stream logs while we wait; the stream closes when the container stops.
	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		if err := o.runtime.StreamLogs(ctx, containerID, o.runLogs); err != nil {
			log.Printf("[ORCH] Run service log stream ended with error: %v", err)
		}
	}()

	exitCode, err := o.runtime.WaitForExit(ctx, containerID)
	<-logsDone
	if err != nil {
		return exitCode, fmt.Errorf("failed waiting for run service %s: %w", name, err)
	}

	o.state.MarkServiceStopped(name, exitCode)
	log.Printf("[ORCH] Run service '%s' exited with code %d", name, exitCode)
	o.events.Publish(types.RunCompleted{
		BaseEvent: types.BaseEvent{Timestamp: time.Now(), Service: name},
		ExitCode:  exitCode,
	})
	return exitCode, nil
}

// Down stops every service in reverse dependency order, removes any preview
// records, and finally removes the environment network. Stop failures are
// collected, not fatal: teardown keeps going so one stuck container doesn't
// strand the rest.
func (o *Orchestrator) Down(ctx context.Context) error {
	batches, err := o.topo.Plan()
	if err != nil {
		return fmt.Errorf("failed to plan environment stop: %w", err)
	}

	log.Println("[ORCH] Stopping environment")

	var firstErr error
	for i := len(batches) - 1; i >= 0; i-- {
		for _, name := range batches[i] {
			if o.preview != nil {
				if _, exists := o.preview.GetRecord(name); exists {
					if err := o.preview.DeleteRecord(ctx, name); err != nil {
						log.Printf("[ORCH] Warning: failed to delete preview record for '%s': %v", name, err)
					}
				}
			}
			if err := o.runtime.SafelyStopService(ctx, name); err != nil {
				log.Printf("[ORCH] Failed to stop service '%s': %v", name, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			o.events.Publish(types.ServiceStopped{
				BaseEvent: types.BaseEvent{Timestamp: time.Now(), Service: name},
			})
		}
	}

	if err := o.runtime.RemoveNetwork(ctx); err != nil {
		log.Printf("[ORCH] Failed to remove environment network: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return fmt.Errorf("environment teardown finished with errors: %w", firstErr)
	}
	log.Println("[ORCH] Environment is down")
	return nil
}

// startService starts one long-running service after its dependency gates.
func (o *Orchestrator) startService(ctx context.Context, name string, svc *topology.Service) error {
	waitChan, isInitiator := o.state.EnsureServiceStarting(name)
	if !isInitiator {
		// Another goroutine is already starting this service; wait for it.
		select {
		case <-waitChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer o.state.SignalStartAttemptComplete(name)

	if err := o.awaitDependencies(ctx, name, svc); err != nil {
		return err
	}

	containerID, err := o.runtime.StartService(ctx, name, svc)
	if err != nil {
		return fmt.Errorf("failed to start service %s: %w", name, err)
	}
	o.state.UpdateContainer(name, containerID)
	o.events.Publish(types.ServiceStarted{
		BaseEvent:   types.BaseEvent{Timestamp: time.Now(), Service: name},
		ContainerID: containerID,
	})
	return nil
}

// awaitDependencies enforces each dependency edge's condition.
func (o *Orchestrator) awaitDependencies(ctx context.Context, name string, svc *topology.Service) error {
	for dep, edge := range svc.DependsOn {
		status, exists := o.state.GetStatus(dep)
		if !exists || status.State != types.StateRunning {
			return fmt.Errorf("service %s requires %s, which is not running", name, dep)
		}
		if edge.Condition != topology.ConditionHealthy {
			continue
		}
		if status.Health == types.HealthHealthy {
			continue
		}
		log.Printf("[ORCH] Service '%s' waits for '%s' to become healthy", name, dep)
		if err := o.health.Gate(ctx, dep, o.topo.Services[dep]); err != nil {
			return fmt.Errorf("service %s cannot start: %w", name, err)
		}
	}
	return nil
}
