package types

import "time"

// ServiceState represents the possible lifecycle states of a service container
type ServiceState string

const (
	// Service lifecycle states
	StateIdle     ServiceState = "idle"     // Not started yet
	StateStarting ServiceState = "starting" // In process of starting
	StateRunning  ServiceState = "running"  // Running (health may still be pending)
	StateStopping ServiceState = "stopping" // In process of stopping
	StateStopped  ServiceState = "stopped"  // Stopped or exited
)

// HealthState represents the health of a running service
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthChecking  HealthState = "checking"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopped   HealthState = "stopped"
)

// ServiceStatus holds the runtime state of a single service in the environment.
type ServiceStatus struct {
	Name        string       `json:"name"`
	State       ServiceState `json:"state"`
	Health      HealthState  `json:"health"`
	ContainerID string       `json:"container_id,omitempty"` // Empty when not running
	StartedAt   time.Time    `json:"started_at,omitempty"`
	ExitCode    int          `json:"exit_code"` // Meaningful once State is StateStopped
}
