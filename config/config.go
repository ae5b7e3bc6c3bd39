// Package config loads tracklake configuration from defaults, an optional
// YAML file, and TRACKLAKE_* environment variables, in that order of
// precedence (later sources override earlier ones).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"tracklake.yaml",
	"tracklake.yml",
	"/etc/tracklake/tracklake.yaml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "TRACKLAKE_CONFIG"

type Config struct {
	// DataDir is the root of the lake; each table is a directory of
	// parquet files beneath it.
	DataDir string `koanf:"data_dir"`

	Server ServerConfig `koanf:"server"`
	Write  WriteConfig  `koanf:"write"`
	Gaps   GapsConfig   `koanf:"gaps"`
}

type ServerConfig struct {
	Port       int `koanf:"port"`
	FlightPort int `koanf:"flight_port"`
}

type WriteConfig struct {
	// StrictIdentity fails a whole merge batch when a record is missing a
	// merge-key column. When false such records are dropped and counted.
	StrictIdentity bool `koanf:"strict_identity"`
}

type GapsConfig struct {
	// RecencyWindow bounds how far back the play history is scanned for
	// entities that still need external enrichment.
	RecencyWindow time.Duration `koanf:"recency_window"`
	DefaultBatch  int           `koanf:"default_batch"`
}

func defaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Server: ServerConfig{
			Port:       7921,
			FlightPort: 7922,
		},
		Write: WriteConfig{
			StrictIdentity: false,
		},
		Gaps: GapsConfig{
			RecencyWindow: 48 * time.Hour,
			DefaultBatch:  50,
		},
	}
}

// Load builds the effective configuration.
func Load() (*Config, error) {
	k := koanf.New(".")

	cfg := defaultConfig()

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Double underscore separates nesting levels so single underscores
	// survive in key names: TRACKLAKE_SERVER__PORT -> server.port,
	// TRACKLAKE_DATA_DIR -> data_dir.
	envProvider := env.Provider("TRACKLAKE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "TRACKLAKE_")), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// DATA_DIR keeps working for compatibility with existing deployments.
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir must not be empty")
	}
	return cfg, nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
