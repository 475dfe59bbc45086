package topology

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Condition values for service dependencies.
const (
	ConditionStarted = "service_started"
	ConditionHealthy = "service_healthy"
)

// Healthcheck defaults applied when fields are zero.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
	DefaultRetries  = 3
)

// Duration wraps time.Duration so topology files can use values like "40s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Topology describes the full service environment.
type Topology struct {
	Services map[string]*Service `yaml:"services"`
}

// Service describes one container in the environment.
type Service struct {
	Image       string             `yaml:"image"`
	Command     []string           `yaml:"command,omitempty"`
	Ports       []string           `yaml:"ports,omitempty"` // "host:container" pairs
	Env         map[string]string  `yaml:"env,omitempty"`
	EnvFromHost []string           `yaml:"env_from_host,omitempty"` // Names copied from the harness environment
	Binds       []string           `yaml:"binds,omitempty"`         // "hostpath:containerpath[:ro]"
	Privileged  bool               `yaml:"privileged,omitempty"`
	Healthcheck *Healthcheck       `yaml:"healthcheck,omitempty"`
	DependsOn   map[string]Depends `yaml:"depends_on,omitempty"`
	Run         bool               `yaml:"run,omitempty"` // Marks the run service (test runner)
}

// Healthcheck describes the HTTP readiness probe for a service.
type Healthcheck struct {
	Path     string   `yaml:"path"`
	Port     int      `yaml:"port"`
	Interval Duration `yaml:"interval,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
	Retries  int      `yaml:"retries,omitempty"`
}

// Depends describes one dependency edge.
type Depends struct {
	Condition string `yaml:"condition"`
}

// PortBinding is a parsed "host:container" pair.
type PortBinding struct {
	Host      int
	Container int
}

// Load reads and validates a topology file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("failed to parse topology file: %w", err)
	}
	topo.normalize()
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Default returns the built-in three-service environment: a notebook client,
// the publishing server, and a browser-automation runner gated on the client's
// health check.
func Default() *Topology {
	topo := &Topology{
		Services: map[string]*Service{
			"client": {
				Image: "rsconnect-jupyter-client:latest",
				Command: []string{
					"jupyter", "notebook",
					"--ip=0.0.0.0",
					"--port=9999",
					"--NotebookApp.token=",
					"--no-browser",
					"--allow-root",
				},
				Ports: []string{"9999:9999"},
				Healthcheck: &Healthcheck{
					Path:     "/tree",
					Port:     9999,
					Interval: Duration(40 * time.Second),
					Timeout:  Duration(3 * time.Second),
					Retries:  30,
				},
			},
			"connect": {
				Image:       "rstudio/rstudio-connect:latest",
				Ports:       []string{"3939:3939"},
				Privileged:  true,
				EnvFromHost: []string{"CONNECT_LICENSE"},
				Binds: []string{
					"./connect/rstudio-connect.gcfg:/etc/rstudio-connect/rstudio-connect.gcfg:ro",
				},
			},
			"cypress": {
				Image: "cypress/included:latest",
				Env: map[string]string{
					"CYPRESS_BASE_URL": "http://client:9999",
				},
				EnvFromHost: []string{"ADMIN_API_KEY"},
				DependsOn: map[string]Depends{
					"client": {Condition: ConditionHealthy},
				},
				Run: true,
			},
		},
	}
	topo.normalize()
	return topo
}

// normalize fills healthcheck defaults.
func (t *Topology) normalize() {
	for _, svc := range t.Services {
		hc := svc.Healthcheck
		if hc == nil {
			continue
		}
		if hc.Interval == 0 {
			hc.Interval = Duration(DefaultInterval)
		}
		if hc.Timeout == 0 {
			hc.Timeout = Duration(DefaultTimeout)
		}
		if hc.Retries == 0 {
			hc.Retries = DefaultRetries
		}
	}
}

// Validate checks the topology for structural problems: missing images,
// unparsable ports, dangling or cyclic dependencies, unknown conditions,
// and more than one run service.
func (t *Topology) Validate() error {
	if len(t.Services) == 0 {
		return fmt.Errorf("topology has no services")
	}

	runServices := 0
	for name, svc := range t.Services {
		if svc == nil {
			return fmt.Errorf("service %s has no definition", name)
		}
		if svc.Image == "" {
			return fmt.Errorf("service %s has no image", name)
		}
		if svc.Run {
			runServices++
		}
		if _, err := svc.PortBindings(); err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}
		if svc.Healthcheck != nil {
			if svc.Healthcheck.Path == "" || svc.Healthcheck.Port <= 0 {
				return fmt.Errorf("service %s: healthcheck requires a path and a valid port", name)
			}
		}
		for dep, edge := range svc.DependsOn {
			if _, exists := t.Services[dep]; !exists {
				return fmt.Errorf("service %s depends on unknown service %s", name, dep)
			}
			if dep == name {
				return fmt.Errorf("service %s depends on itself", name)
			}
			switch edge.Condition {
			case ConditionStarted, ConditionHealthy:
			default:
				return fmt.Errorf("service %s: unknown dependency condition %q for %s", name, edge.Condition, dep)
			}
			if edge.Condition == ConditionHealthy && t.Services[dep].Healthcheck == nil {
				return fmt.Errorf("service %s requires %s healthy, but %s has no healthcheck", name, dep, dep)
			}
		}
	}
	if runServices > 1 {
		return fmt.Errorf("topology declares %d run services, at most one is allowed", runServices)
	}

	if _, err := t.Plan(); err != nil {
		return err
	}
	return nil
}

// Plan returns services grouped into dependency-ordered start batches:
// services in batch N depend only on services in earlier batches. Names
// within a batch are sorted so the plan is deterministic.
func (t *Topology) Plan() ([][]string, error) {
	indegree := make(map[string]int, len(t.Services))
	for name := range t.Services {
		indegree[name] = len(t.Services[name].DependsOn)
	}

	var batches [][]string
	placed := 0
	for placed < len(t.Services) {
		var batch []string
		for name, deg := range indegree {
			if deg == 0 {
				batch = append(batch, name)
			}
		}
		if len(batch) == 0 {
			return nil, fmt.Errorf("dependency cycle detected among remaining services")
		}
		sort.Strings(batch)
		for _, name := range batch {
			delete(indegree, name)
		}
		// Lower the indegree of every service that depended on this batch.
		for name := range indegree {
			for _, done := range batch {
				if _, ok := t.Services[name].DependsOn[done]; ok {
					indegree[name]--
				}
			}
		}
		placed += len(batch)
		batches = append(batches, batch)
	}
	return batches, nil
}

// RunService returns the name of the run service, if any.
func (t *Topology) RunService() (string, bool) {
	for name, svc := range t.Services {
		if svc.Run {
			return name, true
		}
	}
	return "", false
}

// PortBindings parses the service's "host:container" port declarations.
func (s *Service) PortBindings() ([]PortBinding, error) {
	bindings := make([]PortBinding, 0, len(s.Ports))
	for _, spec := range s.Ports {
		parts := strings.Split(spec, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid port mapping %q, expected host:container", spec)
		}
		host, err := strconv.Atoi(parts[0])
		if err != nil || host <= 0 || host > 65535 {
			return nil, fmt.Errorf("invalid host port in mapping %q", spec)
		}
		container, err := strconv.Atoi(parts[1])
		if err != nil || container <= 0 || container > 65535 {
			return nil, fmt.Errorf("invalid container port in mapping %q", spec)
		}
		bindings = append(bindings, PortBinding{Host: host, Container: container})
	}
	return bindings, nil
}

// HostPortFor returns the host port published for the given container port.
func (s *Service) HostPortFor(containerPort int) (int, bool) {
	bindings, err := s.PortBindings()
	if err != nil {
		return 0, false
	}
	for _, b := range bindings {
		if b.Container == containerPort {
			return b.Host, true
		}
	}
	return 0, false
}
