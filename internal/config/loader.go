package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// checkFilePermissions rejects overly permissive config file modes.
// Config files may carry network topology; a file with any group or other
// permission bit set is rejected outright.
func checkFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d", ErrVersionTooNew, cfg.Version, CurrentVersion)
	}

	switch cfg.Network.Family {
	case "", "v4", "v6":
		if cfg.Network.Family == "" {
			cfg.Network.Family = "v4"
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFamily, cfg.Network.Family)
	}

	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = "127.0.0.1:9091"
	}

	return &cfg, nil
}
