package dnsfrontend

import (
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/jllorente/realmgateway/internal/circularpool"
	"github.com/jllorente/realmgateway/internal/config"
	"github.com/jllorente/realmgateway/internal/hostregistry"
	"github.com/jllorente/realmgateway/internal/reservation"
	"github.com/jllorente/realmgateway/internal/rgwerr"
)

var log = logrus.WithField("component", "dnsfrontend")

const (
	ttlApex   = 60
	ttlLAN    = 30
	ttlPool   = 0
)

// Frontend is C4: the authoritative resolver that answers every query
// against the dispatch matrix of spec §4.4, driving the allocation
// algorithm that turns a WAN-side, in-SOA A-query into a CircularPool
// draw and a Reservation.
type Frontend struct {
	Hosts        *hostregistry.Registry
	SOA          *SoaSet
	Resolvers    *ResolverSet
	Reservations *reservation.Table
	CircularPool *circularpool.Pool
	ServicePool  *circularpool.Pool

	// GlobalMax bounds the total number of CircularPool-backed
	// reservations outstanding at once (spec §4.1, the gateway-wide half
	// of the admission check); a host's own PoolPolicy.Max bounds its
	// share of that ceiling. A GlobalMax of zero admits nothing.
	GlobalMax int

	Timeouts map[string][]time.Duration
	Client   *dns.Client

	// CarrierGradePort is the port used to reach a host's own resolver
	// for carrier-grade sub-resolution (spec §4.4 step 6; the original
	// hardcodes this to 53 — see callbacks.py's do_resolve(..., (host_obj.ipv4, 53), ...)).
	// Zero means 53; tests may override it to bind an ephemeral resolver.
	CarrierGradePort int

	sf singleflight.Group
}

// New wires a Frontend from its collaborators. client may be nil, in
// which case a default *dns.Client is used.
func New(hosts *hostregistry.Registry, soa *SoaSet, resolvers *ResolverSet, reservations *reservation.Table, pool, servicePool *circularpool.Pool, globalMax int, timeouts map[string][]time.Duration, client *dns.Client) *Frontend {
	if client == nil {
		client = &dns.Client{Net: "udp"}
	}
	return &Frontend{
		Hosts:        hosts,
		SOA:          soa,
		Resolvers:    resolvers,
		Reservations: reservations,
		CircularPool: pool,
		ServicePool:  servicePool,
		GlobalMax:    globalMax,
		Timeouts:     timeouts,
		Client:       client,
	}
}

// Handle answers one query, routed through the (interface role, in-SOA?)
// matrix of spec §4.4. A nil return means "drop silently" — no response
// is sent.
func (f *Frontend) Handle(role config.Role, query *dns.Msg, clientAddr net.Addr) *dns.Msg {
	if len(query.Question) == 0 {
		return nil
	}
	q := query.Question[0]
	fqdn := dns.Fqdn(q.Name)
	inSOA := f.SOA.InSOA(fqdn)

	switch {
	case role == config.RoleCES:
		return f.handleCES(query)
	case role == config.RoleLAN && inSOA:
		return f.handleLANSOA(query, fqdn)
	case role == config.RoleLAN && !inSOA:
		return f.handleLANNoSOA(query, fqdn, clientAddr)
	case role == config.RoleWAN && inSOA:
		return f.handleWANSOA(query, fqdn)
	default: // WAN, not in SOA
		log.WithField("fqdn", fqdn).Debug("wan query outside soa, dropping")
		return nil
	}
}

// handleCES is a placeholder: carrier-grade-edge-segment roles are
// parsed but not yet implemented (spec §9 open question), so every
// query on a CES-rated interface is logged and dropped.
func (f *Frontend) handleCES(query *dns.Msg) *dns.Msg {
	log.WithField("qname", query.Question[0].Name).Debug("ces role query, dropping (unimplemented)")
	return nil
}

// resolveHostAndService implements spec §4.4 step 1: look a name up by
// SFQDN, then by carrier-grade-reachable FQDN (falling back to the
// host's own FQDN as a catch-all service key), then as a zone apex.
func (f *Frontend) resolveHostAndService(fqdn string) (host *hostregistry.Host, attrs hostregistry.ServiceAttrs, apex bool, found bool) {
	if h, ok := f.Hosts.GetBySFQDN(fqdn); ok {
		a, _ := h.GetServiceSFQDN(fqdn)
		return h, a, false, true
	}
	if h, ok := f.Hosts.GetByCarrierGrade(fqdn); ok {
		a, _ := h.GetServiceSFQDN(h.FQDN)
		return h, a, false, true
	}
	if f.SOA.IsApex(fqdn) {
		if h, ok := f.Hosts.GetByFQDN(fqdn); ok {
			return h, hostregistry.ServiceAttrs{}, true, true
		}
	}
	return nil, hostregistry.ServiceAttrs{}, false, false
}

// handleLANSOA answers purely from local state: the host's real private
// address, never the public pool, and never touches admission or
// reservations (spec §4.4 LAN-in-SOA: "internal clients get the truth").
func (f *Frontend) handleLANSOA(query *dns.Msg, fqdn string) *dns.Msg {
	q := query.Question[0]
	host, attrs, apex, found := f.resolveHostAndService(fqdn)
	if !found {
		return nxdomainReply(query)
	}
	if apex {
		return aReply(query, fqdn, host.IPv4, ttlApex)
	}

	switch q.Qtype {
	case dns.TypeA:
		if attrs.CarrierGrade {
			addr, err := f.carrierGradeResolve(host, fqdn)
			if err != nil {
				log.WithError(err).WithField("fqdn", fqdn).Warn("lan carrier-grade sub-resolution failed")
				return servfailReply(query)
			}
			return aReply(query, fqdn, addr, ttlLAN)
		}
		return aReply(query, fqdn, host.IPv4, ttlLAN)
	case dns.TypePTR:
		return ptrReply(query, fqdn, host.FQDN, ttlLAN)
	default:
		return noerrorEmptyReply(query)
	}
}

// handleLANNoSOA forwards to an upstream resolver, coalescing identical
// concurrent queries through singleflight: duplicates sharing the same
// (query id, qname, qtype, client address) attach to one in-flight
// upstream exchange (spec §4.4 LAN-no-SOA, §5 concurrency model).
func (f *Frontend) handleLANNoSOA(query *dns.Msg, fqdn string, clientAddr net.Addr) *dns.Msg {
	q := query.Question[0]
	client := ""
	if clientAddr != nil {
		client = clientAddr.String()
	}
	key := strconv.Itoa(int(query.Id)) + "|" + fqdn + "|" + dns.TypeToString[q.Qtype] + "|" + client

	v, err, _ := f.sf.Do(key, func() (interface{}, error) {
		server, ok := f.Resolvers.Pick()
		if !ok {
			return nil, rgwerr.ResolutionFailure
		}
		schedule := scheduleFor(f.Timeouts, q.Qtype)
		return resolve(f.Client, query.Copy(), server, schedule)
	})
	if err != nil {
		log.WithError(err).WithField("fqdn", fqdn).Debug("upstream forward failed")
		return servfailReply(query)
	}

	resp := v.(*dns.Msg)
	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Answer = resp.Answer
	reply.Ns = resp.Ns
	reply.Extra = resp.Extra
	reply.Rcode = resp.Rcode
	return reply
}

// handleWANSOA is the full allocation algorithm: spec §4.4 WAN-in-SOA,
// steps 1-10.
func (f *Frontend) handleWANSOA(query *dns.Msg, fqdn string) *dns.Msg {
	q := query.Question[0]

	host, attrs, apex, found := f.resolveHostAndService(fqdn)
	if !found {
		return nxdomainReply(query)
	}
	if apex {
		return aReply(query, fqdn, host.IPv4, ttlApex)
	}
	if q.Qtype != dns.TypeA {
		return noerrorEmptyReply(query)
	}

	if attrs.ProxyRequired {
		ip, err := f.ServicePool.Allocate()
		if err != nil {
			log.WithError(err).WithField("fqdn", fqdn).Debug("service pool exhausted")
			return nil
		}
		f.ServicePool.Release(ip)
		return aReply(query, fqdn, ip, ttlPool)
	}

	if !f.checkAdmission(host) {
		log.WithField("host", host.FQDN).Debug("admission denied")
		return nil
	}

	var target net.IP
	if attrs.CarrierGrade {
		addr, err := f.carrierGradeResolve(host, fqdn)
		if err != nil {
			if errors.Is(err, rgwerr.Refused) {
				return refusedReply(query)
			}
			return servfailReply(query)
		}
		target = addr
	} else {
		target = host.IPv4
	}

	outboundIP, fresh, err := f.allocateOutbound(attrs)
	if err != nil {
		log.WithError(err).WithField("host", host.FQDN).Debug("circular pool exhausted")
		return nil
	}

	now := time.Now()
	res := reservation.New(host.FQDN, target, attrs.Port, outboundIP, attrs.Port, attrs.Protocol, fqdn, attrs.LoosePacket, attrs.Autobind, attrs.Timeout, now)
	if err := f.Reservations.Add(res); err != nil {
		if !errors.Is(err, rgwerr.Duplicate) {
			if fresh {
				f.CircularPool.Release(outboundIP)
			}
			log.WithError(err).WithField("host", host.FQDN).Warn("reservation insert failed, dropping")
			return nil
		}

		// Spec §7: a Duplicate insert is logged and retried once with a
		// freshly allocated outbound IP before the query is treated as
		// admission-denied.
		log.WithField("host", host.FQDN).Warn("reservation key collision, retrying with a fresh address")
		if fresh {
			f.CircularPool.Release(outboundIP)
		}
		newIP, allocErr := f.CircularPool.Allocate()
		if allocErr != nil {
			log.WithError(allocErr).WithField("host", host.FQDN).Debug("no fresh address available for retry, admission denied")
			return nil
		}
		res = reservation.New(host.FQDN, target, attrs.Port, newIP, attrs.Port, attrs.Protocol, fqdn, attrs.LoosePacket, attrs.Autobind, attrs.Timeout, now)
		if err := f.Reservations.Add(res); err != nil {
			f.CircularPool.Release(newIP)
			log.WithError(err).WithField("host", host.FQDN).Warn("reservation collision persisted after retry, admission denied")
			return nil
		}
		outboundIP = newIP
	}

	log.WithFields(logrus.Fields{"fqdn": fqdn, "outbound": outboundIP, "target": target}).Info("reservation created")
	return aReply(query, fqdn, outboundIP, ttlPool)
}

// checkAdmission enforces spec §4.1/§4.4 step 5: a global ceiling over
// every CircularPool-backed reservation, and a per-host ceiling from the
// host's own PoolPolicy.
func (f *Frontend) checkAdmission(host *hostregistry.Host) bool {
	f.Reservations.SweepExpired(time.Now())
	if f.Reservations.Stats(reservation.AllKey) >= f.GlobalMax {
		return false
	}
	if host.CircularPool.Max > 0 && f.Reservations.Stats(reservation.HostKey(host.FQDN)) >= host.CircularPool.Max {
		return false
	}
	return true
}

// allocateOutbound implements spec §4.4 step 8: prefer overloading an
// already-allocated address when the new (port, protocol) signature
// cannot collide with anything reserved on it, otherwise draw a fresh
// address from CircularPool. The bool return reports whether the
// address came from a fresh Allocate() (and so must be Release()d on
// failure) as opposed to an overloaded address still owned by another
// reservation.
func (f *Frontend) allocateOutbound(attrs hostregistry.ServiceAttrs) (net.IP, bool, error) {
	for _, ip := range f.CircularPool.GetAllocated() {
		if !f.blocksOverload(ip, attrs.Port, attrs.Protocol) {
			return ip, false, nil
		}
	}
	ip, err := f.CircularPool.Allocate()
	return ip, err == nil, err
}

// blocksOverload reports whether some existing reservation on ip would
// collide with a new one carrying (port, protocol), per the original's
// _overload_connectionentryrgw 3-clause predicate: an exact (port,
// protocol) match, or the existing reservation's port is wildcarded and
// its protocol matches exactly, or the existing reservation's protocol
// is wildcarded and its port matches exactly. The new request's own
// port/protocol are never treated as wildcards even if zero.
func (f *Frontend) blocksOverload(ip net.IP, port uint16, protocol uint8) bool {
	for _, r := range f.Reservations.GetAll(reservation.PublicIPKey(ip.String())) {
		exact := r.OutboundPort == port && r.Protocol == protocol
		existingPortWild := r.OutboundPort == 0 && r.Protocol == protocol
		existingProtoWild := r.Protocol == 0 && r.OutboundPort == port
		if exact || existingPortWild || existingProtoWild {
			return true
		}
	}
	return false
}

// carrierGradeResolve implements spec §4.4 step 6: sub-resolve fqdn
// against host's own resolver, and verify the answer against the host's
// CARRIERGRADE whitelist before trusting it.
func (f *Frontend) carrierGradeResolve(host *hostregistry.Host, fqdn string) (net.IP, error) {
	query := new(dns.Msg)
	query.SetQuestion(fqdn, dns.TypeA)
	port := f.CarrierGradePort
	if port == 0 {
		port = 53
	}
	server := net.JoinHostPort(host.IPv4.String(), strconv.Itoa(port))
	schedule := scheduleFor(f.Timeouts, dns.TypeA)

	resp, err := resolve(f.Client, query, server, schedule)
	if err != nil {
		return nil, err
	}
	if resp.Rcode == dns.RcodeRefused {
		return nil, errors.Wrapf(rgwerr.Refused, "host %s refused carrier-grade sub-resolution for %s", host.FQDN, fqdn)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errors.Wrapf(rgwerr.ServFail, "host %s returned rcode %d for %s", host.FQDN, resp.Rcode, fqdn)
	}

	addr := firstA(resp)
	if addr == nil {
		return nil, errors.Wrapf(rgwerr.ServFail, "host %s returned no A record for %s", host.FQDN, fqdn)
	}
	if !host.IsCarrierGradeAllowed(addr) {
		return nil, errors.Wrapf(rgwerr.ServFail, "address %s not in %s's carrier-grade whitelist", addr, host.FQDN)
	}
	return addr, nil
}
