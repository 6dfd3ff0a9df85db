package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions returns an error if a config file has overly
// permissive permissions (group/world readable), so the load is rejected. Config files may embed identity key
// paths and bootstrap peer addresses.
func checkConfigFilePermissions(path string) error {
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

// rawNetwork mirrors NetworkConfig with its duration field as a string,
// since yaml.v3 has no built-in time.Duration decoder.
type rawNetwork struct {
	ListenAddresses   []string `yaml:"listen_addresses"`
	BootstrapPeers    []string `yaml:"bootstrap_peers"`
	MDNSEnabled       *bool    `yaml:"mdns_enabled,omitempty"`
	DiscoveryInterval string   `yaml:"discovery_interval,omitempty"`
}

func (rn rawNetwork) parse() (NetworkConfig, error) {
	nc := NetworkConfig{
		ListenAddresses: rn.ListenAddresses,
		BootstrapPeers:  rn.BootstrapPeers,
		MDNSEnabled:     rn.MDNSEnabled,
	}
	if rn.DiscoveryInterval != "" {
		d, err := time.ParseDuration(rn.DiscoveryInterval)
		if err != nil {
			return NetworkConfig{}, fmt.Errorf("invalid network.discovery_interval: %w", err)
		}
		nc.DiscoveryInterval = d
	}
	return nc, nil
}

type rawInference struct {
	Command         string   `yaml:"command"`
	Args            []string `yaml:"args,omitempty"`
	BaseURL         string   `yaml:"base_url"`
	StartupTimeout  string   `yaml:"startup_timeout,omitempty"`
	RequestTimeout  string   `yaml:"request_timeout,omitempty"`
	StopGracePeriod string   `yaml:"stop_grace_period,omitempty"`
}

func (ri rawInference) parse() (InferenceConfig, error) {
	ic := InferenceConfig{Command: ri.Command, Args: ri.Args, BaseURL: ri.BaseURL}
	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{ri.StartupTimeout, &ic.StartupTimeout, "inference.startup_timeout"},
		{ri.RequestTimeout, &ic.RequestTimeout, "inference.request_timeout"},
		{ri.StopGracePeriod, &ic.StopGracePeriod, "inference.stop_grace_period"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return InferenceConfig{}, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return ic, nil
}

type rawStore struct {
	SnapshotPath     string `yaml:"snapshot_path"`
	SnapshotInterval string `yaml:"snapshot_interval,omitempty"`
}

func (rs rawStore) parse() (StoreConfig, error) {
	sc := StoreConfig{SnapshotPath: rs.SnapshotPath}
	if rs.SnapshotInterval != "" {
		d, err := time.ParseDuration(rs.SnapshotInterval)
		if err != nil {
			return StoreConfig{}, fmt.Errorf("invalid store.snapshot_interval: %w", err)
		}
		sc.SnapshotInterval = d
	}
	return sc, nil
}

// LoadWorkerConfig loads cmd/qmesh-worker's configuration from a YAML file.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw struct {
		Version      int             `yaml:"version,omitempty"`
		Identity     IdentityConfig  `yaml:"identity"`
		Network      rawNetwork      `yaml:"network"`
		Inference    rawInference    `yaml:"inference"`
		Store        rawStore        `yaml:"store"`
		BaseCapacity int             `yaml:"base_capacity,omitempty"`
		Telemetry    TelemetryConfig `yaml:"telemetry,omitempty"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	version := raw.Version
	if version == 0 {
		version = 1
	}
	if version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade qmesh-worker", ErrConfigVersionTooNew, version, CurrentConfigVersion)
	}

	network, err := raw.Network.parse()
	if err != nil {
		return nil, err
	}
	inference, err := raw.Inference.parse()
	if err != nil {
		return nil, err
	}
	store, err := raw.Store.parse()
	if err != nil {
		return nil, err
	}

	return &WorkerConfig{
		Version:      version,
		Identity:     raw.Identity,
		Network:      network,
		Inference:    inference,
		Store:        store,
		BaseCapacity: raw.BaseCapacity,
		Telemetry:    raw.Telemetry,
	}, nil
}

// LoadClientConfig loads cmd/qmesh-client's configuration from a YAML file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw struct {
		Version      int             `yaml:"version,omitempty"`
		Identity     IdentityConfig  `yaml:"identity"`
		Network      rawNetwork      `yaml:"network"`
		SenderID     string          `yaml:"sender_id,omitempty"`
		SmartRouting *bool           `yaml:"smart_routing,omitempty"`
		SendDeadline string          `yaml:"send_deadline,omitempty"`
		Telemetry    TelemetryConfig `yaml:"telemetry,omitempty"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	version := raw.Version
	if version == 0 {
		version = 1
	}
	if version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade qmesh-client", ErrConfigVersionTooNew, version, CurrentConfigVersion)
	}

	network, err := raw.Network.parse()
	if err != nil {
		return nil, err
	}

	cfg := &ClientConfig{
		Version:      version,
		Identity:     raw.Identity,
		Network:      network,
		SenderID:     raw.SenderID,
		SmartRouting: raw.SmartRouting,
		Telemetry:    raw.Telemetry,
	}
	if raw.SendDeadline != "" {
		d, err := time.ParseDuration(raw.SendDeadline)
		if err != nil {
			return nil, fmt.Errorf("invalid send_deadline: %w", err)
		}
		cfg.SendDeadline = d
	}
	return cfg, nil
}

// ValidateWorkerConfig checks a loaded WorkerConfig for the fields
// cmd/qmesh-worker cannot run without.
func ValidateWorkerConfig(cfg *WorkerConfig) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if len(cfg.Network.ListenAddresses) == 0 {
		return fmt.Errorf("network.listen_addresses must contain at least one address")
	}
	if cfg.Inference.BaseURL == "" {
		return fmt.Errorf("inference.base_url is required")
	}
	if cfg.Store.SnapshotPath == "" {
		return fmt.Errorf("store.snapshot_path is required")
	}
	return nil
}

// ValidateClientConfig checks a loaded ClientConfig for the fields
// cmd/qmesh-client cannot run without.
func ValidateClientConfig(cfg *ClientConfig) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if len(cfg.Network.ListenAddresses) == 0 {
		return fmt.Errorf("network.listen_addresses must contain at least one address")
	}
	return nil
}

// FindConfigFile searches for a qmesh config file in standard locations.
// Search order: explicitPath (if given), ./qmesh.yaml,
// ~/.config/qmesh/config.yaml, /etc/qmesh/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"qmesh.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "qmesh", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "qmesh", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nuse --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}
