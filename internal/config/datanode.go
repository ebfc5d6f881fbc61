package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DatanodeConfig represents the complete configuration for a storage node.
type DatanodeConfig struct {
	Node      NodeConfig      `yaml:"node"`
	Authority AuthorityAddr   `yaml:"authority"`
	Reporting ReportingConfig `yaml:"reporting"`
	Transfers TransferConfig  `yaml:"transfers"`
	Metrics   MetricsYAML     `yaml:"metrics"`
	Logging   LoggingYAML     `yaml:"logging"`
}

// NodeConfig holds the node's identity and storage location.
type NodeConfig struct {
	// Addr is the address other nodes use to reach this node's data
	// endpoint. It is also what the authority hands out in locations.
	Addr            string `yaml:"addr"`
	DataDir         string `yaml:"data_dir"`
	NetworkLocation string `yaml:"network_location"`
}

// AuthorityAddr holds the authority client configuration.
type AuthorityAddr struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// ReportingConfig holds the heartbeat and block report cadence.
type ReportingConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	BlockReportInterval time.Duration `yaml:"block_report_interval"`
}

// TransferConfig bounds concurrent outbound replica copies.
type TransferConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// MetricsYAML holds metrics configuration.
type MetricsYAML struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingYAML holds logging configuration.
type LoggingYAML struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadDatanodeConfig loads configuration from a file.
func LoadDatanodeConfig(filePath string) (*DatanodeConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg DatanodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDatanodeDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDatanodeDefaults sets default values for unspecified configuration.
func setDatanodeDefaults(cfg *DatanodeConfig) {
	if cfg.Node.DataDir == "" {
		cfg.Node.DataDir = "/var/lib/blockdfs"
	}
	if cfg.Authority.Addr == "" {
		cfg.Authority.Addr = "localhost:8020"
	}
	if cfg.Authority.RequestTimeout == 0 {
		cfg.Authority.RequestTimeout = 30 * time.Second
	}
	if cfg.Authority.MaxRetries == 0 {
		cfg.Authority.MaxRetries = 10
	}
	if cfg.Authority.RetryInterval == 0 {
		cfg.Authority.RetryInterval = 5 * time.Second
	}
	if cfg.Reporting.HeartbeatInterval == 0 {
		cfg.Reporting.HeartbeatInterval = 3 * time.Second
	}
	if cfg.Reporting.BlockReportInterval == 0 {
		cfg.Reporting.BlockReportInterval = time.Hour
	}
	if cfg.Transfers.Workers == 0 {
		cfg.Transfers.Workers = 4
	}
	if cfg.Transfers.QueueSize == 0 {
		cfg.Transfers.QueueSize = 64
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration.
func (c *DatanodeConfig) Validate() error {
	if c.Node.Addr == "" {
		return fmt.Errorf("node.addr is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if c.Authority.Addr == "" {
		return fmt.Errorf("authority.addr is required")
	}
	if c.Reporting.HeartbeatInterval <= 0 {
		return fmt.Errorf("reporting.heartbeat_interval must be positive")
	}
	if c.Reporting.BlockReportInterval <= 0 {
		return fmt.Errorf("reporting.block_report_interval must be positive")
	}
	return nil
}

// Dump renders the effective configuration as YAML, used by the
// --dump-config flag.
func (c *DatanodeConfig) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}
