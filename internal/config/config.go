// Package config loads the configuration surface enumerated in spec §6:
// per-interface role, SOA suffixes, resolver set, retransmission
// schedules, pools, and admission policies.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Role is one of the two gateway-facing interface roles (spec §4.4); the
// CES variants are parsed but always map to dropped/placeholder
// behavior (spec §9 open question).
type Role string

const (
	RoleLAN Role = "LAN"
	RoleWAN Role = "WAN"
	RoleCES Role = "CES"
)

// Interface binds a named network interface to a role and the address
// its DNS listener binds to. Addr is a simplification of the original's
// per-physical-interface bind: rather than a raw SO_BINDTODEVICE socket,
// each interface gets its own listen address (spec §4.4 dispatch keys
// off the role alone, which this preserves).
type Interface struct {
	Name string `mapstructure:"name" yaml:"name"`
	Role Role   `mapstructure:"role" yaml:"role"`
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Resolver is one upstream DNS server address (spec §3 ResolverSet).
type Resolver struct {
	IP   string `mapstructure:"ip" yaml:"ip"`
	Port int    `mapstructure:"port" yaml:"port"`
}

func (r Resolver) Addr() string {
	return net.JoinHostPort(r.IP, fmt.Sprintf("%d", r.Port))
}

// ServiceConfig is the on-disk shape of one service attribute group,
// bound to one service-qualified FQDN under a host (spec §6 Policies).
type ServiceConfig struct {
	Port          uint16 `mapstructure:"port" yaml:"port"`
	Protocol      uint8  `mapstructure:"protocol" yaml:"protocol"`
	ProxyRequired bool   `mapstructure:"proxy_required" yaml:"proxy_required"`
	CarrierGrade  bool   `mapstructure:"carriergrade" yaml:"carriergrade"`
	LoosePacket   int    `mapstructure:"loose_packet" yaml:"loose_packet"`
	Autobind      bool   `mapstructure:"autobind" yaml:"autobind"`
	TimeoutSec    float64 `mapstructure:"timeout" yaml:"timeout"`
}

func (s ServiceConfig) Timeout() time.Duration {
	if s.TimeoutSec <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutSec * float64(time.Second))
}

// HostConfig is the on-disk shape of one registered host (spec §3, §6).
type HostConfig struct {
	FQDN                string                   `mapstructure:"fqdn" yaml:"fqdn"`
	IPv4                string                   `mapstructure:"ipv4" yaml:"ipv4"`
	Services            map[string]ServiceConfig `mapstructure:"services" yaml:"services"`
	CarrierGradeFQDNs    []string                 `mapstructure:"carriergrade_fqdns" yaml:"carriergrade_fqdns"`
	CarrierGradeWhitelist []string                `mapstructure:"carriergrade_whitelist" yaml:"carriergrade_whitelist"`
	CircularPoolMax     int                      `mapstructure:"circularpool_max" yaml:"circularpool_max"`
	Groups              []string                 `mapstructure:"groups" yaml:"groups"`
	FirewallAdmin        []string                 `mapstructure:"firewall_admin" yaml:"firewall_admin"`
	FirewallUser         []string                 `mapstructure:"firewall_user" yaml:"firewall_user"`
}

// Config is the full configuration surface (spec §6).
type Config struct {
	Interfaces []Interface `mapstructure:"interfaces" yaml:"interfaces"`
	SOA        []string    `mapstructure:"soa" yaml:"soa"`
	Resolvers  []Resolver  `mapstructure:"resolvers" yaml:"resolvers"`

	// Timeouts maps a DNS record-type name ("a", "ptr", or "" for the
	// default) to a retransmission schedule in seconds.
	Timeouts map[string][]float64 `mapstructure:"timeouts" yaml:"timeouts"`

	CircularPool    []string `mapstructure:"circularpool" yaml:"circularpool"`
	ServicePool     []string `mapstructure:"servicepool" yaml:"servicepool"`
	CircularPoolMax int      `mapstructure:"circularpool_max" yaml:"circularpool_max"`

	Hosts []HostConfig `mapstructure:"hosts" yaml:"hosts"`

	PacketQueueNum uint16 `mapstructure:"packet_queue_num" yaml:"packet_queue_num"`
	PublicIface    string `mapstructure:"public_interface" yaml:"public_interface"`
	MetricsAddr    string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// NormalizeSOA lower-cases and trailing-dot-normalizes every SOA suffix.
func (c *Config) NormalizeSOA() {
	for i, s := range c.SOA {
		c.SOA[i] = normalizeFQDN(s)
	}
}

func normalizeFQDN(s string) string {
	s = strings.ToLower(s)
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return s
}

// Load reads configuration from path using viper (YAML), validating the
// minimal shape every component needs.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	cfg.NormalizeSOA()
	for i := range cfg.Hosts {
		cfg.Hosts[i].FQDN = normalizeFQDN(cfg.Hosts[i].FQDN)
	}
	return &cfg, nil
}

// TimeoutSchedule converts Config.Timeouts into the
// map[recordType][]time.Duration shape dnsfrontend consumes, keyed by
// upper-case type name ("A", "PTR") with "" acting as the default key (spec §4.4: "absent entry -> default
// schedule [0]").
func (c *Config) TimeoutSchedule() map[string][]time.Duration {
	out := make(map[string][]time.Duration)
	for rtype, secs := range c.Timeouts {
		durs := make([]time.Duration, len(secs))
		for i, s := range secs {
			durs[i] = time.Duration(s * float64(time.Second))
		}
		out[strings.ToUpper(rtype)] = durs
	}
	if _, ok := out[""]; !ok {
		out[""] = []time.Duration{0}
	}
	return out
}
