// Package config loads and validates the YAML configuration for the
// qmesh-worker and qmesh-client processes.
package config

import "time"

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// IdentityConfig holds the libp2p host identity and, for workers, the
// application-level worker identity key paths.
type IdentityConfig struct {
	KeyFile      string `yaml:"key_file"`
	WorkerIDFile string `yaml:"worker_id_file,omitempty"`
}

// NetworkConfig holds overlay transport configuration.
type NetworkConfig struct {
	ListenAddresses   []string      `yaml:"listen_addresses"`
	BootstrapPeers    []string      `yaml:"bootstrap_peers"`
	MDNSEnabled       *bool         `yaml:"mdns_enabled,omitempty"` // LAN peer discovery (default: true)
	DiscoveryInterval time.Duration `yaml:"discovery_interval,omitempty"`
}

// IsMDNSEnabled returns whether LAN mDNS discovery is enabled.
// Defaults to true when not explicitly set in config.
func (n *NetworkConfig) IsMDNSEnabled() bool {
	if n.MDNSEnabled == nil {
		return true
	}
	return *n.MDNSEnabled
}

// InferenceConfig configures the adapter's subprocess and HTTP client.
type InferenceConfig struct {
	Command         string        `yaml:"command"`
	Args            []string      `yaml:"args,omitempty"`
	BaseURL         string        `yaml:"base_url"`
	StartupTimeout  time.Duration `yaml:"startup_timeout,omitempty"`
	RequestTimeout  time.Duration `yaml:"request_timeout,omitempty"`
	StopGracePeriod time.Duration `yaml:"stop_grace_period,omitempty"`
}

// StoreConfig configures score-record persistence.
type StoreConfig struct {
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval,omitempty"`
}

// TelemetryConfig holds observability settings, disabled by default
// (opt-in).
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty"` // default: "127.0.0.1:9091" (worker), "127.0.0.1:9092" (client)
}

// WorkerConfig is the top-level configuration for cmd/qmesh-worker.
type WorkerConfig struct {
	Version      int             `yaml:"version,omitempty"`
	Identity     IdentityConfig  `yaml:"identity"`
	Network      NetworkConfig   `yaml:"network"`
	Inference    InferenceConfig `yaml:"inference"`
	Store        StoreConfig     `yaml:"store"`
	BaseCapacity int             `yaml:"base_capacity,omitempty"`
	Telemetry    TelemetryConfig `yaml:"telemetry,omitempty"`
}

// ClientConfig is the top-level configuration for cmd/qmesh-client.
type ClientConfig struct {
	Version      int             `yaml:"version,omitempty"`
	Identity     IdentityConfig  `yaml:"identity"`
	Network      NetworkConfig   `yaml:"network"`
	SenderID     string          `yaml:"sender_id,omitempty"`
	SmartRouting *bool           `yaml:"smart_routing,omitempty"`
	SendDeadline time.Duration   `yaml:"send_deadline,omitempty"`
	Telemetry    TelemetryConfig `yaml:"telemetry,omitempty"`
}

// IsSmartRoutingEnabled returns whether smartRouting is on, defaulting to
// true when unset, per §4.8.
func (c *ClientConfig) IsSmartRoutingEnabled() bool {
	if c.SmartRouting == nil {
		return true
	}
	return *c.SmartRouting
}
