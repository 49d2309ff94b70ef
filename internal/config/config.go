// Package config loads a federate's YAML configuration file: its identity,
// its RTI endpoint, its upstream/downstream peer topology, and the
// connection-retry constants of spec §6.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/crossfed/federate/internal/types"
	"gopkg.in/yaml.v2"
)

// Config is a federate's full configuration, unmarshaled from YAML and
// then defaulted.
type Config struct {
	FedID        uint16   `yaml:"fed_id"`
	FederationID string   `yaml:"federation_id"`
	RTIHost      string   `yaml:"rti_host"`
	RTIPort      uint16   `yaml:"rti_port"`
	Upstream     []uint16 `yaml:"upstream"`
	Downstream   []uint16 `yaml:"downstream"`

	// InboundPeers/OutboundPeers are the federate ids this federate holds
	// direct P2P (physical, non-time-coordinated) links with (spec §3:
	// num_inbound_physical, num_outbound_physical).
	InboundPeers  []uint16 `yaml:"inbound_peers"`
	OutboundPeers []uint16 `yaml:"outbound_peers"`

	// RunDuration, if nonzero, sets stop_time = start_time + RunDuration
	// at startup (spec §4.I step 3). Zero means run until an external STOP.
	RunDuration time.Duration `yaml:"run_duration"`

	// FastMode skips wait_until(start_time) in §4.I step 5.
	FastMode bool `yaml:"fast_mode"`

	Network NetworkConfig `yaml:"network"`
}

// NetworkConfig holds spec §6's connection constants.
type NetworkConfig struct {
	StartingPort              uint16        `yaml:"starting_port"`
	PortRangeLimit            uint16        `yaml:"port_range_limit"`
	ConnectNumRetries         int           `yaml:"connect_num_retries"`
	ConnectRetryInterval      time.Duration `yaml:"connect_retry_interval"`
	AddressQueryRetryInterval time.Duration `yaml:"address_query_retry_interval"`
	NumberOfFederates         int           `yaml:"number_of_federates"`
	BufferSize                int           `yaml:"buffer_size"`
}

// Defaults applied to any zero-valued NetworkConfig field after unmarshal,
// matching the upstream Lingua Franca runtime's own defaults.
const (
	defaultStartingPort              = 15045
	defaultPortRangeLimit            = 1024
	defaultConnectNumRetries         = 10
	defaultConnectRetryInterval      = 2 * time.Second
	defaultAddressQueryRetryInterval = 250 * time.Millisecond
	defaultBufferSize                = 4096
)

// LoadConfig loads and defaults a federate's configuration from path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Network.StartingPort == 0 {
		c.Network.StartingPort = defaultStartingPort
	}
	if c.Network.PortRangeLimit == 0 {
		c.Network.PortRangeLimit = defaultPortRangeLimit
	}
	if c.Network.ConnectNumRetries == 0 {
		c.Network.ConnectNumRetries = defaultConnectNumRetries
	}
	if c.Network.ConnectRetryInterval == 0 {
		c.Network.ConnectRetryInterval = defaultConnectRetryInterval
	}
	if c.Network.AddressQueryRetryInterval == 0 {
		c.Network.AddressQueryRetryInterval = defaultAddressQueryRetryInterval
	}
	if c.Network.BufferSize == 0 {
		c.Network.BufferSize = defaultBufferSize
	}
	if c.Network.NumberOfFederates == 0 {
		c.Network.NumberOfFederates = len(c.Upstream) + len(c.Downstream) + 1
	}
}

// Identity builds the FederateIdentity this config describes.
func (c *Config) Identity() (types.FederateIdentity, error) {
	return types.NewFederateIdentity(types.FedID(c.FedID), types.FederationID(c.FederationID))
}

// HasUpstream reports whether this federate has any upstream peer (spec §3
// fed_has_upstream).
func (c *Config) HasUpstream() bool { return len(c.Upstream) > 0 }

// HasDownstream reports whether this federate has any downstream peer
// (spec §3 fed_has_downstream).
func (c *Config) HasDownstream() bool { return len(c.Downstream) > 0 }
