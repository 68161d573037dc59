package dnsfrontend

import (
	"net"

	"github.com/miekg/dns"

	"github.com/jllorente/realmgateway/internal/hostregistry"
)

// PolicyStore resolves the service/firewall/pool attributes a freshly
// DDNS-registered host should carry. It stands in for the out-of-scope
// policy/data repository spec §1 names as an external collaborator;
// Engine wires a concrete implementation, and a host with no entry there
// registers with no services at all (reachable, but nothing allocates
// for it until an operator provisions it by other means).
type PolicyStore interface {
	HostDefaults(fqdn string) (services map[string]hostregistry.ServiceAttrs, carrierGradeFQDNs []string, whitelist []hostregistry.CarrierGradeAddr, pool hostregistry.PoolPolicy, groups []string, firewall hostregistry.FirewallRules)
}

// HandleUpdate processes a DDNS-in UPDATE message (spec §6): an A record
// with non-zero TTL in the authority section registers or re-registers
// its owner; TTL zero deregisters it. The response is always NOERROR,
// regardless of whether the underlying registry operation succeeded,
// matching the original's best-effort DDNS acknowledgement.
func (f *Frontend) HandleUpdate(query *dns.Msg, policy PolicyStore) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Rcode = dns.RcodeSuccess

	for _, rr := range query.Ns {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		fqdn := dns.Fqdn(a.Hdr.Name)
		if a.Hdr.Ttl == 0 {
			if err := f.Hosts.Deregister(fqdn); err != nil {
				log.WithError(err).WithField("fqdn", fqdn).Debug("ddns deregister failed")
			}
			continue
		}
		f.registerFromUpdate(fqdn, a.A, policy)
	}
	return reply
}

func (f *Frontend) registerFromUpdate(fqdn string, ipv4 net.IP, policy PolicyStore) {
	h := &hostregistry.Host{
		FQDN: fqdn,
		IPv4: ipv4,
	}
	if policy != nil {
		services, cgFQDNs, whitelist, pool, groups, firewall := policy.HostDefaults(fqdn)
		h.Services = services
		h.CarrierGradeFQDNs = cgFQDNs
		h.CarrierGradeWhitelist = whitelist
		h.CircularPool = pool
		h.Groups = groups
		h.Firewall = firewall
	}
	if err := f.Hosts.Register(h); err != nil {
		log.WithError(err).WithField("fqdn", fqdn).Debug("ddns register failed")
	}
}
