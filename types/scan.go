package types

import "time"

// ManifestScan names one dependency manifest to scan and the project name the
// result is recorded under on the monitoring service.
type ManifestScan struct {
	File           string `json:"file" yaml:"file"`                       // e.g. "setup.py"
	ProjectName    string `json:"project_name" yaml:"project_name"`       // Distinct per manifest
	PackageManager string `json:"package_manager" yaml:"package_manager"` // e.g. "pip"
}

// ScanConfig holds configuration for dependency-vulnerability scanning
type ScanConfig struct {
	Enabled   bool           `json:"enabled"`
	Endpoint  string         `json:"endpoint"`               // Base URL of the monitoring service API
	Token     string         `json:"-"`                      // API token, from SNYK_TOKEN; never persisted
	Org       string         `json:"org"`                    // Fixed organization identifier
	Schedule  string         `json:"schedule"`               // Cron expression, UTC
	Dir       string         `json:"dir"`                    // Directory holding the dependency manifests
	Manifests []ManifestScan `json:"manifests"`
}

// ScanTrigger records what caused a scan run
type ScanTrigger string

const (
	TriggerSchedule ScanTrigger = "schedule"
	TriggerManual   ScanTrigger = "manual"
)

// ScanResult is the outcome of a single manifest scan invocation.
type ScanResult struct {
	Manifest    string `json:"manifest"`
	ProjectName string `json:"project_name"`
	OK          bool   `json:"ok"`
	IssueCount  int    `json:"issue_count"`
	Summary     string `json:"summary,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ScanRun is one scheduled or manually dispatched run, covering every
// configured manifest.
type ScanRun struct {
	ID         string       `json:"id"`
	Trigger    ScanTrigger  `json:"trigger"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Results    []ScanResult `json:"results"`
	Failed     bool         `json:"failed"`
}
