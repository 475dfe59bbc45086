package manager

import (
	"sort"
	"sync"
	"time"

	"drydock/types"
)

// startAttempt holds information about an ongoing or recently completed service start attempt.
type startAttempt struct {
	done   chan struct{} // Closed when start attempt is complete (success or failure)
	once   sync.Once     // Ensures 'done' channel is closed only once
	active bool          // True if a start attempt is considered actively in progress
}

// StateManager manages the in-memory state of the environment's services.
type StateManager struct {
	mu            sync.RWMutex
	services      map[string]*types.ServiceStatus // Key: service name
	startingLocks map[string]*startAttempt        // Key: service name, to manage concurrent start attempts
	muStarting    sync.Mutex                      // Mutex for startingLocks map
}

// NewStateManager creates a new StateManager.
func NewStateManager() *StateManager {
	return &StateManager{
		services:      make(map[string]*types.ServiceStatus),
		startingLocks: make(map[string]*startAttempt),
	}
}

// RegisterService registers a service from the topology. Idempotent: an
// already-registered service keeps its current state.
func (sm *StateManager) RegisterService(name string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, exists := sm.services[name]; exists {
		return
	}
	sm.services[name] = &types.ServiceStatus{
		Name:   name,
		State:  types.StateIdle,
		Health: types.HealthUnknown,
	}
}

// GetStatus retrieves a snapshot of a service's status.
func (sm *StateManager) GetStatus(name string) (types.ServiceStatus, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	status, exists := sm.services[name]
	if !exists {
		return types.ServiceStatus{}, false
	}
	return *status, true
}

// GetState returns just the lifecycle state of a service.
func (sm *StateManager) GetState(name string) types.ServiceState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if status, exists := sm.services[name]; exists {
		return status.State
	}
	return types.StateIdle
}

// AllStatuses returns a snapshot of every service's status, sorted by name.
func (sm *StateManager) AllStatuses() []types.ServiceStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	statuses := make([]types.ServiceStatus, 0, len(sm.services))
	for _, status := range sm.services {
		statuses = append(statuses, *status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// UpdateContainer records the container backing a service and marks it running.
func (sm *StateManager) UpdateContainer(name, containerID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if status, exists := sm.services[name]; exists {
		status.ContainerID = containerID
		status.State = types.StateRunning
		status.StartedAt = time.Now()
		if status.Health == types.HealthStopped || status.Health == types.HealthUnknown {
			status.Health = types.HealthChecking
		}
	}
}

// SetHealth updates a service's health state. It returns the previous health
// state and whether the service was known, so callers can publish transitions.
func (sm *StateManager) SetHealth(name string, health types.HealthState) (types.HealthState, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	status, exists := sm.services[name]
	if !exists {
		return types.HealthUnknown, false
	}
	prev := status.Health
	status.Health = health
	return prev, true
}

// CanStartService reports whether a start may be attempted. A service that is
// being stopped must finish stopping first.
func (sm *StateManager) CanStartService(name string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	status, exists := sm.services[name]
	if !exists {
		return false
	}
	return status.State != types.StateStopping
}

// MarkServiceStopping transitions a service into the stopping state. Returns
// false when the service has no container to stop.
func (sm *StateManager) MarkServiceStopping(name string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	status, exists := sm.services[name]
	if !exists {
		return false
	}
	if status.State != types.StateRunning && status.State != types.StateStarting {
		return false
	}
	status.State = types.StateStopping
	return true
}

// MarkServiceStopped finalizes a stop, recording the exit code when known.
func (sm *StateManager) MarkServiceStopped(name string, exitCode int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if status, exists := sm.services[name]; exists {
		status.State = types.StateStopped
		status.Health = types.HealthStopped
		status.ContainerID = ""
		status.ExitCode = exitCode
	}
}

// EnsureServiceStarting manages the process of initiating a service start.
// It returns a channel that will be closed when the start attempt is complete,
// and a boolean indicating if the caller is the one responsible for initiating the start.
func (sm *StateManager) EnsureServiceStarting(name string) (waitChan <-chan struct{}, isInitiator bool) {
	sm.muStarting.Lock()
	defer sm.muStarting.Unlock()

	sa, exists := sm.startingLocks[name]
	if !exists || !sa.active { // If no lock, or lock exists but is from a completed/failed previous attempt
		sa = &startAttempt{
			done:   make(chan struct{}),
			active: true, // Mark as actively starting
		}
		sm.startingLocks[name] = sa
		isInitiator = true

		sm.mu.Lock()
		if status, ok := sm.services[name]; ok && status.State != types.StateRunning {
			status.State = types.StateStarting
		}
		sm.mu.Unlock()
	} else {
		isInitiator = false // Another goroutine is already handling the start
	}
	return sa.done, isInitiator
}

// SignalStartAttemptComplete marks the service start attempt as complete.
// This is called by the goroutine that actually performed the start operation (success or failure).
func (sm *StateManager) SignalStartAttemptComplete(name string) {
	sm.muStarting.Lock()
	defer sm.muStarting.Unlock()

	sa, exists := sm.startingLocks[name]
	if exists && sa.active {
		sa.once.Do(func() {
			close(sa.done)
		})
		sa.active = false // Mark as no longer actively starting
		// Remove the entry from the map as this specific attempt is now finished.
		// This allows a new attempt if this one failed and the service is still not running.
		delete(sm.startingLocks, name)
	}
}
