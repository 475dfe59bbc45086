package types

import "time"

// Event represents an environment lifecycle event
type Event interface {
	EventTime() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	Timestamp time.Time
	Service   string
}

func (e BaseEvent) EventTime() time.Time {
	return e.Timestamp
}

// ServiceStarted indicates a service container was created and started
type ServiceStarted struct {
	BaseEvent
	ContainerID string
}

// ServiceHealthy indicates a service passed its health gate
type ServiceHealthy struct {
	BaseEvent
}

// ServiceUnhealthy indicates a previously healthy service failed a probe
type ServiceUnhealthy struct {
	BaseEvent
}

// ServiceStopped indicates a service container was stopped and removed
type ServiceStopped struct {
	BaseEvent
}

// EnvironmentReady indicates every gated service reported healthy
type EnvironmentReady struct {
	BaseEvent
}

// RunCompleted indicates the run service (test runner) exited
type RunCompleted struct {
	BaseEvent
	ExitCode int
}

// ScanRunFinished indicates a vulnerability scan run completed
type ScanRunFinished struct {
	BaseEvent
	RunID  string
	Failed bool
}
