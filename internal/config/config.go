// Package config loads and validates nat64d's configuration: defaults
// overlaid by an optional YAML file, or by flags bound directly from
// cmd/nat64d, following the layered DefaultConfig/LoadFile pattern used
// across the reference control plane.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nat64d/nat64d/internal/logging"
	"github.com/nat64d/nat64d/pkg/rfc6052"
)

// InvalidConfig reports a configuration-time validation failure: startup
// must abort with a non-zero exit code rather than proceed.
type InvalidConfig struct {
	Reason string
}

func (e *InvalidConfig) Error() string {
	return fmt.Sprintf("config: %s", e.Reason)
}

// MetricsConfig controls the optional Prometheus exposition endpoint.
type MetricsConfig struct {
	// Addr is the "host:port" the metrics HTTP server listens on. Empty
	// disables the endpoint.
	Addr string `yaml:"addr"`
	// Path is the HTTP path metrics are served under.
	Path string `yaml:"path"`
}

// DefaultMetricsConfig returns metrics disabled (empty Addr) with the
// conventional "/metrics" path.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Path: "/metrics"}
}

// StaticBinding is one "v4=v6" static reservation.
type StaticBinding struct {
	V4 netip.Addr
	V6 netip.Addr
}

// UnmarshalYAML decodes a StaticBinding from a "v4=v6" scalar.
func (b *StaticBinding) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseStaticMap(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Nat64Config configures the dynamic NAT64 engine.
type Nat64Config struct {
	Interface          string
	TranslationPrefix  netip.Prefix
	Pool               []netip.Prefix
	StaticMap          []StaticBinding
	ReservationTimeout time.Duration
	NumQueues          int
}

// nat64ConfigYAML mirrors Nat64Config with YAML-friendly scalar fields,
// since netip.Prefix and time.Duration have no native YAML scalar support.
type nat64ConfigYAML struct {
	Interface          string   `yaml:"interface"`
	TranslationPrefix  string   `yaml:"translation_prefix"`
	Pool               []string `yaml:"pool"`
	StaticMap          []string `yaml:"static_map"`
	ReservationTimeout string   `yaml:"reservation_timeout"`
	NumQueues          int      `yaml:"num_queues"`
}

// UnmarshalYAML decodes a Nat64Config, defaulting any field the document
// omits to DefaultNat64Config's value.
func (n *Nat64Config) UnmarshalYAML(value *yaml.Node) error {
	var raw nat64ConfigYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}

	def := DefaultNat64Config()
	*n = *def

	if raw.Interface != "" {
		n.Interface = raw.Interface
	}
	if raw.TranslationPrefix != "" {
		p, err := netip.ParsePrefix(raw.TranslationPrefix)
		if err != nil {
			return fmt.Errorf("config: translation_prefix: %w", err)
		}
		n.TranslationPrefix = p
	}
	if len(raw.Pool) > 0 {
		n.Pool = make([]netip.Prefix, len(raw.Pool))
		for i, s := range raw.Pool {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return fmt.Errorf("config: pool[%d]: %w", i, err)
			}
			n.Pool[i] = p
		}
	}
	if len(raw.StaticMap) > 0 {
		n.StaticMap = make([]StaticBinding, len(raw.StaticMap))
		for i, s := range raw.StaticMap {
			b, err := ParseStaticMap(s)
			if err != nil {
				return fmt.Errorf("config: static_map[%d]: %w", i, err)
			}
			n.StaticMap[i] = b
		}
	}
	if raw.ReservationTimeout != "" {
		d, err := time.ParseDuration(raw.ReservationTimeout)
		if err != nil {
			return fmt.Errorf("config: reservation_timeout: %w", err)
		}
		n.ReservationTimeout = d
	}
	if raw.NumQueues != 0 {
		n.NumQueues = raw.NumQueues
	}
	return nil
}

// ClatConfig configures the stateless CLAT engine.
type ClatConfig struct {
	Interface      string
	Via            netip.Prefix
	CustomerPrefix []netip.Prefix
	NumQueues      int
}

// clatConfigYAML mirrors ClatConfig with YAML-friendly scalar fields.
type clatConfigYAML struct {
	Interface      string   `yaml:"interface"`
	Via            string   `yaml:"via"`
	CustomerPrefix []string `yaml:"customer_prefix"`
	NumQueues      int      `yaml:"num_queues"`
}

// UnmarshalYAML decodes a ClatConfig, defaulting any field the document
// omits to DefaultClatConfig's value.
func (c *ClatConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw clatConfigYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}

	def := DefaultClatConfig()
	*c = *def

	if raw.Interface != "" {
		c.Interface = raw.Interface
	}
	if raw.Via != "" {
		p, err := netip.ParsePrefix(raw.Via)
		if err != nil {
			return fmt.Errorf("config: via: %w", err)
		}
		c.Via = p
	}
	if len(raw.CustomerPrefix) > 0 {
		c.CustomerPrefix = make([]netip.Prefix, len(raw.CustomerPrefix))
		for i, s := range raw.CustomerPrefix {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return fmt.Errorf("config: customer_prefix[%d]: %w", i, err)
			}
			c.CustomerPrefix[i] = p
		}
	}
	if raw.NumQueues != 0 {
		c.NumQueues = raw.NumQueues
	}
	return nil
}

// Config is the top-level configuration; exactly one of Nat64/Clat is
// populated depending on which subcommand is run.
type Config struct {
	Logging logging.Config `yaml:"logging"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Nat64   *Nat64Config   `yaml:"nat64"`
	Clat    *ClatConfig    `yaml:"clat"`
}

// DefaultConfig returns the starting point a config file or flag set is
// overlaid onto: default logging and metrics settings, with neither
// engine configured.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		Metrics: DefaultMetricsConfig(),
	}
}

// DefaultNat64Config returns the NAT64 defaults named in the external
// interface: wildcard interface name, 64:ff9b::/96 translation prefix, a
// two-hour reservation timeout, and ten queues.
func DefaultNat64Config() *Nat64Config {
	return &Nat64Config{
		Interface:          "nat64%d",
		TranslationPrefix:  netip.MustParsePrefix("64:ff9b::/96"),
		ReservationTimeout: 2 * time.Hour,
		NumQueues:          10,
	}
}

// DefaultClatConfig returns the CLAT defaults: wildcard interface name,
// 64:ff9b::/96 embed prefix, ten queues.
func DefaultClatConfig() *ClatConfig {
	return &ClatConfig{
		Interface: "clat%d",
		Via:       netip.MustParsePrefix("64:ff9b::/96"),
		NumQueues: 10,
	}
}

// LoadFile reads and unmarshals the YAML config at path over DefaultConfig.
func LoadFile(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, &InvalidConfig{Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}

	return cfg, nil
}

// Validate checks the loaded configuration against the Configuration
// error class: invalid prefix length, empty pool/customer-prefix list,
// malformed static map, conflicting subcommand selection.
func (c *Config) Validate() error {
	if c.Nat64 != nil && c.Clat != nil {
		return &InvalidConfig{Reason: "nat64 and clat configuration are mutually exclusive"}
	}
	if c.Nat64 == nil && c.Clat == nil {
		return &InvalidConfig{Reason: "exactly one of nat64 or clat must be configured"}
	}
	if c.Nat64 != nil {
		return c.Nat64.Validate()
	}
	return c.Clat.Validate()
}

// Validate checks a Nat64Config.
func (n *Nat64Config) Validate() error {
	if !rfc6052.ValidPrefixLength(n.TranslationPrefix.Bits()) {
		return &InvalidConfig{Reason: fmt.Sprintf("translation prefix %s has invalid length", n.TranslationPrefix)}
	}
	if len(n.Pool) == 0 {
		return &InvalidConfig{Reason: "nat64 pool must contain at least one prefix"}
	}
	for _, p := range n.Pool {
		if !p.Addr().Is4() {
			return &InvalidConfig{Reason: fmt.Sprintf("pool prefix %s is not IPv4", p)}
		}
	}
	for _, b := range n.StaticMap {
		if !b.V4.Is4() || !b.V6.Is6() {
			return &InvalidConfig{Reason: fmt.Sprintf("static map entry %s=%s is malformed", b.V4, b.V6)}
		}
	}
	if n.ReservationTimeout <= 0 {
		return &InvalidConfig{Reason: "reservation_timeout must be positive"}
	}
	if n.NumQueues <= 0 {
		return &InvalidConfig{Reason: "num_queues must be positive"}
	}
	return nil
}

// Validate checks a ClatConfig.
func (c *ClatConfig) Validate() error {
	if !rfc6052.ValidPrefixLength(c.Via.Bits()) {
		return &InvalidConfig{Reason: fmt.Sprintf("via prefix %s has invalid length", c.Via)}
	}
	if len(c.CustomerPrefix) == 0 {
		return &InvalidConfig{Reason: "clat customer_prefix must contain at least one prefix"}
	}
	for _, p := range c.CustomerPrefix {
		if !p.Addr().Is4() {
			return &InvalidConfig{Reason: fmt.Sprintf("customer prefix %s is not IPv4", p)}
		}
	}
	if c.NumQueues <= 0 {
		return &InvalidConfig{Reason: "num_queues must be positive"}
	}
	return nil
}

// ParseStaticMap parses a repeated "--static-map V4=V6" flag value into a
// StaticBinding.
func ParseStaticMap(s string) (StaticBinding, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			v4, err := netip.ParseAddr(s[:i])
			if err != nil {
				return StaticBinding{}, fmt.Errorf("config: static map %q: %w", s, err)
			}
			v6, err := netip.ParseAddr(s[i+1:])
			if err != nil {
				return StaticBinding{}, fmt.Errorf("config: static map %q: %w", s, err)
			}
			return StaticBinding{V4: v4, V6: v6}, nil
		}
	}
	return StaticBinding{}, fmt.Errorf("config: static map %q: missing '='", s)
}
