package health

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"drydock/manager"
	"drydock/topology"
	"drydock/types"
)

// Publisher is the slice of the event bus the checker needs.
type Publisher interface {
	Publish(types.Event)
}

// Checker probes service health endpoints over HTTP. Probes always target the
// host-published port, the same surface external test traffic uses.
type Checker struct {
	state     *manager.StateManager
	events    Publisher
	probeHost string
}

// NewChecker creates a new health checker. probeHost is the address where the
// services' host ports are published, normally "127.0.0.1".
func NewChecker(state *manager.StateManager, events Publisher, probeHost string) *Checker {
	if probeHost == "" {
		probeHost = "127.0.0.1"
	}
	return &Checker{
		state:     state,
		events:    events,
		probeHost: probeHost,
	}
}

// Gate blocks until the service's healthcheck passes: one probe per interval,
// each with the per-attempt timeout, up to the configured retry count. It
// returns an error on retry exhaustion or context cancellation. Services
// without a healthcheck gate trivially.
func (c *Checker) Gate(ctx context.Context, name string, svc *topology.Service) error {
	hc := svc.Healthcheck
	if hc == nil {
		return nil
	}

	url := c.probeURL(svc, hc)
	client := &http.Client{Timeout: time.Duration(hc.Timeout)}

	log.Printf("[HEALTH] [%s] Gating on %s (interval=%v timeout=%v retries=%d)",
		name, url, time.Duration(hc.Interval), time.Duration(hc.Timeout), hc.Retries)

	c.state.SetHealth(name, types.HealthChecking)

	for attempt := 1; attempt <= hc.Retries; attempt++ {
		if ok, detail := probe(client, url); ok {
			log.Printf("[HEALTH] [%s] Check passed on attempt %d/%d: %s", name, attempt, hc.Retries, detail)
			c.state.SetHealth(name, types.HealthHealthy)
			c.events.Publish(types.ServiceHealthy{
				BaseEvent: types.BaseEvent{Timestamp: time.Now(), Service: name},
			})
			return nil
		} else {
			log.Printf("[HEALTH] [%s] Check failed on attempt %d/%d: %s", name, attempt, hc.Retries, detail)
		}

		if attempt == hc.Retries {
			break
		}
		select {
		case <-time.After(time.Duration(hc.Interval)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.state.SetHealth(name, types.HealthUnhealthy)
	return fmt.Errorf("service %s failed its health check after %d attempts", name, hc.Retries)
}

// Watch keeps probing every gated, running service and records health
// transitions on the event bus. It blocks until the context is cancelled.
func (c *Checker) Watch(ctx context.Context, topo *topology.Topology) {
	log.Println("[HEALTH] Starting health watcher")

	for name, svc := range topo.Services {
		if svc.Healthcheck == nil {
			continue
		}
		go c.watchService(ctx, name, svc)
	}

	<-ctx.Done()
	log.Println("[HEALTH] Stopping health watcher")
}

// CheckService performs a single probe and updates the service's health state.
func (c *Checker) CheckService(name string, svc *topology.Service) error {
	hc := svc.Healthcheck
	if hc == nil {
		return nil
	}

	// Only probe services with a live container.
	if c.state.GetState(name) != types.StateRunning {
		return nil
	}

	url := c.probeURL(svc, hc)
	client := &http.Client{Timeout: time.Duration(hc.Timeout)}

	start := time.Now()
	ok, detail := probe(client, url)
	duration := time.Since(start)

	newHealth := types.HealthHealthy
	if !ok {
		newHealth = types.HealthUnhealthy
	}
	prev, known := c.state.SetHealth(name, newHealth)
	if !known {
		return fmt.Errorf("service %s is not registered", name)
	}

	if ok {
		log.Printf("[HEALTH] [%s] Check passed: %s (%dms)", name, detail, duration.Milliseconds())
		if prev == types.HealthUnhealthy {
			c.events.Publish(types.ServiceHealthy{
				BaseEvent: types.BaseEvent{Timestamp: time.Now(), Service: name},
			})
		}
	} else {
		log.Printf("[HEALTH] [%s] Check failed: %s (%dms)", name, detail, duration.Milliseconds())
		if prev == types.HealthHealthy {
			c.events.Publish(types.ServiceUnhealthy{
				BaseEvent: types.BaseEvent{Timestamp: time.Now(), Service: name},
			})
		}
	}

	return nil
}

func (c *Checker) watchService(ctx context.Context, name string, svc *topology.Service) {
	ticker := time.NewTicker(time.Duration(svc.Healthcheck.Interval))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.CheckService(name, svc); err != nil {
				log.Printf("[HEALTH] [%s] Probe error: %v", name, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// probeURL builds the probe target, preferring the host-published port for
// the healthcheck's container port.
func (c *Checker) probeURL(svc *topology.Service, hc *topology.Healthcheck) string {
	port := hc.Port
	if hostPort, ok := svc.HostPortFor(hc.Port); ok {
		port = hostPort
	}
	return fmt.Sprintf("http://%s:%d%s", c.probeHost, port, hc.Path)
}

// probe succeeds on any non-error response (status below 400).
func probe(client *http.Client, url string) (bool, string) {
	resp, err := client.Get(url)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		return true, fmt.Sprintf("%d OK", resp.StatusCode)
	}
	return false, fmt.Sprintf("%d", resp.StatusCode)
}
