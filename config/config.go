package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"drydock/types"
)

// ConnectConfig holds how to reach the publishing server's HTTP API
type ConnectConfig struct {
	URL      string `json:"url"`
	APIKey   string `json:"-"` // From ADMIN_API_KEY; never persisted
	Insecure bool   `json:"insecure"`
}

// Config holds the application configuration
type Config struct {
	APIPort       string              `json:"api_port"`
	TopologyPath  string              `json:"topology_path"`
	ServerAddress string              `json:"server_address"`
	ExitAfterRun  bool                `json:"exit_after_run"` // Tear down and exit once the run service finishes
	Scan          types.ScanConfig    `json:"scan"`
	Preview       types.PreviewConfig `json:"preview"`
	Connect       ConnectConfig       `json:"connect"`
}

// EnvFile returns the dotenv file secrets are loaded from before the rest of
// the configuration is read: DRYDOCK_ENV_FILE, or ".env" when unset.
func EnvFile() string {
	if val := os.Getenv("DRYDOCK_ENV_FILE"); val != "" {
		return val
	}
	return ".env"
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		APIPort:       ":8081",
		TopologyPath:  "", // Empty means the built-in topology
		ServerAddress: "localhost",
		Scan: types.ScanConfig{
			Enabled:  true,
			Endpoint: "https://api.snyk.io",
			Org:      "rsconnect-python",
			Schedule: "0 10 * * 1", // Monday 10:00 UTC
			Dir:      ".",
			Manifests: []types.ManifestScan{
				{File: "setup.py", ProjectName: "rsconnect-python-setup.py", PackageManager: "pip"},
				{File: "requirements.txt", ProjectName: "rsconnect-python-requirements.txt", PackageManager: "pip"},
			},
		},
		Preview: types.PreviewConfig{
			Enabled:     false,
			Environment: "staging",
		},
		Connect: ConnectConfig{
			URL: "http://127.0.0.1:3939",
		},
	}
}

// LoadConfig loads configuration from a file or environment variables
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	// Load from file if provided
	if configPath != "" {
		if err := loadFromFile(&config, configPath); err != nil {
			return config, err
		}
	}

	// Override with environment variables
	overrideFromEnv(&config)

	return config, nil
}

// loadFromFile loads configuration from a JSON file
func loadFromFile(config *Config, path string) error {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(bytes, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// overrideFromEnv overrides configuration with environment variables
func overrideFromEnv(config *Config) {
	// Core settings
	if val := os.Getenv("DRYDOCK_API_PORT"); val != "" {
		config.APIPort = ensurePortFormat(val)
	}

	if val := os.Getenv("DRYDOCK_TOPOLOGY"); val != "" {
		config.TopologyPath = val
	}

	if val := os.Getenv("DRYDOCK_SERVER_ADDRESS"); val != "" {
		config.ServerAddress = val
	}

	if val := os.Getenv("DRYDOCK_EXIT_AFTER_RUN"); val != "" {
		config.ExitAfterRun = strings.ToLower(val) == "true"
	}

	// Scan settings
	if val := os.Getenv("DRYDOCK_SCAN_ENABLED"); val != "" {
		config.Scan.Enabled = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("DRYDOCK_SCAN_ENDPOINT"); val != "" {
		config.Scan.Endpoint = val
	}

	if val := os.Getenv("DRYDOCK_SCAN_ORG"); val != "" {
		config.Scan.Org = val
	}

	if val := os.Getenv("DRYDOCK_SCAN_SCHEDULE"); val != "" {
		config.Scan.Schedule = val
	}

	if val := os.Getenv("SNYK_TOKEN"); val != "" {
		config.Scan.Token = val
	}

	// Preview settings
	if val := os.Getenv("DRYDOCK_PREVIEW_ENABLED"); val != "" {
		config.Preview.Enabled = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("DRYDOCK_PREVIEW_API_TOKEN"); val != "" {
		config.Preview.APIToken = val
	}

	if val := os.Getenv("DRYDOCK_PREVIEW_ZONE_ID"); val != "" {
		config.Preview.ZoneID = val
	}

	if val := os.Getenv("DRYDOCK_PREVIEW_BASE_DOMAIN"); val != "" {
		config.Preview.BaseDomain = val
	}

	if val := os.Getenv("DRYDOCK_PREVIEW_ENVIRONMENT"); val != "" {
		config.Preview.Environment = val
	}

	// Publishing server settings
	if val := os.Getenv("DRYDOCK_CONNECT_URL"); val != "" {
		config.Connect.URL = val
	}

	if val := os.Getenv("ADMIN_API_KEY"); val != "" {
		config.Connect.APIKey = val
	}

	if val := os.Getenv("DRYDOCK_CONNECT_INSECURE"); val != "" {
		config.Connect.Insecure = strings.ToLower(val) == "true"
	}
}

// ensurePortFormat ensures port is in the format ":8080"
func ensurePortFormat(port string) string {
	port = strings.TrimSpace(port)
	if !strings.HasPrefix(port, ":") {
		return ":" + port
	}
	return port
}
