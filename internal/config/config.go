// Package config loads the YAML configuration for the holepunchd daemon.
package config

// CurrentVersion is the latest configuration schema version. Bump this when
// adding fields that require migration.
const CurrentVersion = 1

// Config is the top-level configuration for one holepunchd Server instance.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Network   NetworkConfig   `yaml:"network"`
	STUN      STUNConfig      `yaml:"stun"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// NetworkConfig holds local socket configuration.
type NetworkConfig struct {
	// Family selects the address family: "v4" or "v6".
	Family string `yaml:"family"`

	// Port is the shared local port for the listener and UDP socket.
	// 0 selects an ephemeral port.
	Port int `yaml:"port"`

	// Listen controls whether the TCP socket is placed into listening
	// mode. When false the port is reserved but never accepts inbound
	// connections, restricting this instance to outbound hole punches.
	Listen bool `yaml:"listen"`
}

// STUNConfig lists the STUN servers queried for external address discovery,
// tried in order until one answers.
type STUNConfig struct {
	Hosts []STUNHost `yaml:"hosts"`
}

// STUNHost is one STUN server's address.
type STUNHost struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`
}

// TelemetryConfig holds observability settings. Disabled by default.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure over HTTP.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}
