// Package config holds the configuration for both daemons. The authority
// loads through viper with environment overrides; the datanode reads a
// plain YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// AuthorityConfig represents the authority daemon configuration.
type AuthorityConfig struct {
	Server    AuthorityServerConfig `mapstructure:"server"`
	Cluster   ClusterConfig         `mapstructure:"cluster"`
	Authority ProtocolConfig        `mapstructure:"authority"`
	RateLimit RateLimitConfig       `mapstructure:"rate_limit"`
	Metrics   MetricsConfig         `mapstructure:"metrics"`
	Logging   LoggingConfig         `mapstructure:"logging"`
}

// AuthorityServerConfig represents the HTTP server configuration.
type AuthorityServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ClusterConfig identifies the namespace this authority serves.
type ClusterConfig struct {
	ClusterID   string `mapstructure:"cluster_id"`
	NamespaceID int32  `mapstructure:"namespace_id"`
}

// ProtocolConfig tunes the datanode session machinery.
type ProtocolConfig struct {
	// GracePeriod is how long after a registration block reports are
	// merged instead of reconciled. Zero disables the window.
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	ExpiryInterval  time.Duration `mapstructure:"expiry_interval"`
	ExpiryThreshold time.Duration `mapstructure:"expiry_threshold"`
}

// RateLimitConfig represents request rate limiting configuration.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig represents Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration.
func (c *AuthorityConfig) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Cluster.ClusterID == "" {
		return errors.New("cluster.cluster_id is required")
	}
	if c.Authority.GracePeriod < 0 {
		return errors.New("authority.grace_period must not be negative")
	}
	if c.Authority.ExpiryThreshold <= 0 {
		return errors.New("authority.expiry_threshold must be positive")
	}
	if c.Authority.ExpiryInterval <= 0 {
		return errors.New("authority.expiry_interval must be positive")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return errors.New("rate_limit.requests_per_second must be positive when enabled")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultAuthorityConfig returns default configuration values.
func DefaultAuthorityConfig() *AuthorityConfig {
	return &AuthorityConfig{
		Server: AuthorityServerConfig{
			Host:            "0.0.0.0",
			Port:            8020,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Cluster: ClusterConfig{
			ClusterID:   "blockdfs-dev",
			NamespaceID: 1,
		},
		Authority: ProtocolConfig{
			GracePeriod:     90 * time.Second,
			ExpiryInterval:  30 * time.Second,
			ExpiryThreshold: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 500,
			BurstSize:         1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadAuthorityConfig loads configuration from file and environment
// variables.
func LoadAuthorityConfig(configPath string) (*AuthorityConfig, error) {
	cfg := DefaultAuthorityConfig()

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	// The file is optional; env vars and defaults can carry a dev setup.
	if err := viper.ReadInConfig(); err == nil {
		if err := viper.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyAuthorityEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyAuthorityEnvOverrides applies environment variable overrides, which
// take precedence over the file.
func applyAuthorityEnvOverrides(cfg *AuthorityConfig) {
	if host := os.Getenv("AUTHORITY_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("AUTHORITY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if clusterID := os.Getenv("CLUSTER_ID"); clusterID != "" {
		cfg.Cluster.ClusterID = clusterID
	}
	if grace := os.Getenv("AUTHORITY_GRACE_PERIOD"); grace != "" {
		if d, err := time.ParseDuration(grace); err == nil {
			cfg.Authority.GracePeriod = d
		}
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
