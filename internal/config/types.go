package config

import (
	"fmt"
	"time"
)

// IPv4Settings is the provider's IPv4 interface configuration.
type IPv4Settings struct {
	Address       string `yaml:"address"`
	SubnetMask    string `yaml:"subnet_mask"`
	RemoteAddress string `yaml:"remote_address"`
}

// IPv6Settings is the provider's optional IPv6 interface configuration.
type IPv6Settings struct {
	Addresses     []string `yaml:"addresses"`
	PrefixLengths []int    `yaml:"prefix_lengths"`
	Routes        []string `yaml:"routes"`
}

// DNSSettings configures resolver behavior pushed to the host.
type DNSSettings struct {
	Servers       []string `yaml:"servers"`
	MatchDomains  []string `yaml:"match_domains"`
	SearchDomains []string `yaml:"search_domains"`
}

// MemorySettings bounds the pools and concurrency the core allocates.
type MemorySettings struct {
	PacketPoolBytes           int `yaml:"packet_pool_bytes"`
	PerFlowBytes              int `yaml:"per_flow_bytes"`
	PacketBatchLimit          int `yaml:"packet_batch_limit"`
	MaxConcurrentNetworkSends int `yaml:"max_concurrent_network_sends"`
}

// MetricsSettings controls the metrics collector's reporting cadence.
type MetricsSettings struct {
	Enabled           bool          `yaml:"enabled"`
	ReportingInterval time.Duration `yaml:"reporting_interval"`
}

// ShapePolicy is the traffic-shaping parameters for a rule or default.
type ShapePolicy struct {
	FixedLatencyMS int64 `yaml:"fixed_latency_ms"`
	JitterMS       int64 `yaml:"jitter_ms"`
	BytesPerSecond int64 `yaml:"bytes_per_second"`
}

// ShapingRule maps a host/port selector to a shaping policy.
type ShapingRule struct {
	Hosts  []string    `yaml:"hosts"`
	Ports  []int       `yaml:"ports"`
	Policy ShapePolicy `yaml:"policy"`
}

// TrafficShaping is the policy store's shaping configuration.
type TrafficShaping struct {
	DefaultPolicy *ShapePolicy  `yaml:"default_policy,omitempty"`
	Rules         []ShapingRule `yaml:"rules"`
}

// Policies is the policy store's full configuration.
type Policies struct {
	BlockedHosts   []string       `yaml:"blocked_hosts"`
	TrafficShaping TrafficShaping `yaml:"traffic_shaping"`
}

// Provider is the top-level provider-facing configuration (spec §6).
type Provider struct {
	MTU      uint32          `yaml:"mtu"`
	IPv4     IPv4Settings    `yaml:"ipv4"`
	IPv6     *IPv6Settings   `yaml:"ipv6,omitempty"`
	DNS      DNSSettings     `yaml:"dns"`
	Memory   MemorySettings  `yaml:"memory"`
	Metrics  MetricsSettings `yaml:"metrics"`
	Policies Policies        `yaml:"policies"`
}

// Logging is the breadcrumb-mask logging configuration.
type Logging struct {
	EnableDebug bool   `yaml:"enable_debug"`
	Breadcrumbs uint32 `yaml:"breadcrumbs"`
}

// Config is the full recognized configuration document.
type Config struct {
	Provider Provider `yaml:"provider"`
	Logging  Logging  `yaml:"logging"`
}

// Breadcrumb bits, per spec §6.
const (
	BreadcrumbDevice  uint32 = 1 << 0
	BreadcrumbFlow    uint32 = 1 << 1
	BreadcrumbDNS     uint32 = 1 << 2
	BreadcrumbMetrics uint32 = 1 << 3
	BreadcrumbFFI     uint32 = 1 << 4
	BreadcrumbPoll    uint32 = 1 << 5
)

// Validate checks the configuration for the invariants the rest of the
// core assumes (positive MTU, well-formed IPv4 block, sane memory caps).
func (c *Config) Validate() error {
	if c.Provider.MTU == 0 {
		return fmt.Errorf("provider.mtu must be > 0")
	}
	if c.Provider.IPv4.Address == "" {
		return fmt.Errorf("provider.ipv4.address is required")
	}
	if c.Provider.IPv4.SubnetMask == "" {
		return fmt.Errorf("provider.ipv4.subnet_mask is required")
	}
	if c.Provider.Memory.PacketBatchLimit <= 0 {
		return fmt.Errorf("provider.memory.packet_batch_limit must be > 0")
	}
	if c.Provider.Memory.MaxConcurrentNetworkSends <= 0 {
		return fmt.Errorf("provider.memory.max_concurrent_network_sends must be > 0")
	}
	if c.Provider.IPv6 != nil && len(c.Provider.IPv6.Addresses) != len(c.Provider.IPv6.PrefixLengths) {
		return fmt.Errorf("provider.ipv6.addresses and prefix_lengths must be parallel")
	}
	for i, r := range c.Provider.Policies.TrafficShaping.Rules {
		if len(r.Hosts) == 0 {
			return fmt.Errorf("provider.policies.traffic_shaping.rules[%d].hosts must not be empty", i)
		}
	}
	return nil
}

// ApplyDefaults fills in zero-valued fields the core needs to function,
// mirroring the defaulting the host integration otherwise skips.
func (c *Config) ApplyDefaults() {
	if c.Provider.MTU == 0 {
		c.Provider.MTU = 1500
	}
	if c.Provider.Memory.PacketPoolBytes == 0 {
		c.Provider.Memory.PacketPoolBytes = 4 << 20
	}
	if c.Provider.Memory.PerFlowBytes == 0 {
		c.Provider.Memory.PerFlowBytes = 64 << 10
	}
	if c.Provider.Memory.PacketBatchLimit == 0 {
		c.Provider.Memory.PacketBatchLimit = 64
	}
	if c.Provider.Memory.MaxConcurrentNetworkSends == 0 {
		c.Provider.Memory.MaxConcurrentNetworkSends = 32
	}
	if c.Provider.Metrics.ReportingInterval == 0 {
		c.Provider.Metrics.ReportingInterval = 5 * time.Second
	}
}
