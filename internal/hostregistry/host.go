// Package hostregistry implements C1, the read-mostly table mapping
// private hostnames to private IPv4 addresses, attached services and
// per-host policy.
package hostregistry

import (
	"net"
	"time"
)

// ServiceKind enumerates the service attribute groups a Host can expose
// through GetService, mirroring the original's loosely-typed service map
// re-architected as a fixed-shape lookup (spec §9).
type ServiceKind string

const (
	KindGroup        ServiceKind = "GROUP"
	KindFirewall     ServiceKind = "FIREWALL"
	KindCarrierGrade ServiceKind = "CARRIERGRADE"
	KindCircularPool ServiceKind = "CIRCULARPOOL"
	KindSFQDN        ServiceKind = "SFQDN"
)

// PoolPolicy bounds concurrent reservation admission for either the whole
// gateway or a single host (spec §4.1, §4.4 step 5).
type PoolPolicy struct {
	Max int
}

// CarrierGradeAddr is one entry of a host's CARRIERGRADE whitelist: a
// downstream IPv4 address the host is allowed to hand back from
// sub-resolution.
type CarrierGradeAddr struct {
	IPv4 net.IP
}

// FirewallRules splits admin- and user-provisioned rule lists, mirroring
// the original's FIREWALL_ADMIN / FIREWALL_USER split.
type FirewallRules struct {
	Admin []string
	User  []string
}

// ServiceAttrs is the fixed-shape record a Reservation is built from,
// bound to one service-qualified FQDN (spec §3).
type ServiceAttrs struct {
	Port          uint16
	Protocol      uint8
	ProxyRequired bool
	CarrierGrade  bool
	LoosePacket   int
	Autobind      bool
	Timeout       time.Duration
}

// DefaultTimeout is used when a service entry does not specify one (spec
// §4.4 step 9, default 2.0s; original ConnectionLegacy.TIMEOUT).
const DefaultTimeout = 2 * time.Second

// Host is a private endpoint: its FQDN, private address, per-service
// table, carrier-grade whitelist and admission policy.
type Host struct {
	FQDN string // canonical, trailing dot
	IPv4 net.IP

	// Services indexes this host's own service-qualified FQDNs. The
	// host's own FQDN may also be a key here, representing its
	// catch-all carrier-grade service (used when resolution arrives via
	// the carrier-grade-reachable index rather than a literal SFQDN).
	Services map[string]ServiceAttrs

	// CarrierGradeFQDNs lists names that resolve to this host through
	// sub-resolution (spec: "any name reachable through sub-resolution
	// against this host"), distinct from the host's own SFQDNs.
	CarrierGradeFQDNs []string

	CarrierGradeWhitelist []CarrierGradeAddr
	CircularPool          PoolPolicy
	Groups                []string
	Firewall              FirewallRules

	UserData interface{}
}

// GetService returns the named attribute group, or def if the host has
// none, matching the original's get_service(kind, default).
func (h *Host) GetService(kind ServiceKind, def interface{}) interface{} {
	switch kind {
	case KindGroup:
		if len(h.Groups) == 0 {
			return def
		}
		return h.Groups
	case KindFirewall:
		return h.Firewall
	case KindCarrierGrade:
		if len(h.CarrierGradeWhitelist) == 0 {
			return def
		}
		return h.CarrierGradeWhitelist
	case KindCircularPool:
		return h.CircularPool
	case KindSFQDN:
		return h.Services
	default:
		return def
	}
}

// HasService reports whether the host declares a non-empty attribute
// group for kind.
func (h *Host) HasService(kind ServiceKind) bool {
	switch kind {
	case KindCarrierGrade:
		return len(h.CarrierGradeWhitelist) > 0
	case KindGroup:
		return len(h.Groups) > 0
	default:
		return true
	}
}

// GetServiceSFQDN returns the service attributes bound to sfqdn, and
// whether they exist.
func (h *Host) GetServiceSFQDN(sfqdn string) (ServiceAttrs, bool) {
	attrs, ok := h.Services[sfqdn]
	return attrs, ok
}

// IsCarrierGradeAllowed reports whether addr appears in the host's
// CARRIERGRADE whitelist (spec §4.4 step 6).
func (h *Host) IsCarrierGradeAllowed(addr net.IP) bool {
	for _, a := range h.CarrierGradeWhitelist {
		if a.IPv4.Equal(addr) {
			return true
		}
	}
	return false
}

// Equal reports whether two hosts would be considered the same
// registration for the idempotent-register check (spec §4.1: "idempotent
// on exact equality").
func (h *Host) Equal(o *Host) bool {
	return h.FQDN == o.FQDN && h.IPv4.Equal(o.IPv4)
}
