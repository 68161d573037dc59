package dnsfrontend

import (
	"net"

	"github.com/miekg/dns"
)

// emptyReply builds the base of every reply, copying the client's EDNS0
// OPT record (if any) unchanged onto the response (spec §6: client EDNS
// options such as ECS must be forwarded, never stripped).
func emptyReply(query *dns.Msg, rcode int) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(query)
	m.Rcode = rcode
	if opt := query.IsEdns0(); opt != nil {
		m.Extra = append(m.Extra, opt.Copy())
	}
	return m
}

func nxdomainReply(query *dns.Msg) *dns.Msg { return emptyReply(query, dns.RcodeNameError) }
func servfailReply(query *dns.Msg) *dns.Msg { return emptyReply(query, dns.RcodeServerFailure) }
func refusedReply(query *dns.Msg) *dns.Msg  { return emptyReply(query, dns.RcodeRefused) }

// noerrorEmptyReply answers NOERROR with no records, used for in-SOA
// queries of a type the gateway does not synthesize answers for (spec
// §4.4: "non-A query types get an empty NOERROR, not NXDOMAIN").
func noerrorEmptyReply(query *dns.Msg) *dns.Msg { return emptyReply(query, dns.RcodeSuccess) }

func aReply(query *dns.Msg, name string, ip net.IP, ttl uint32) *dns.Msg {
	m := emptyReply(query, dns.RcodeSuccess)
	rr := &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   ip,
	}
	m.Answer = append(m.Answer, rr)
	return m
}

func ptrReply(query *dns.Msg, name string, target string, ttl uint32) *dns.Msg {
	m := emptyReply(query, dns.RcodeSuccess)
	rr := &dns.PTR{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttl},
		Ptr: dns.Fqdn(target),
	}
	m.Answer = append(m.Answer, rr)
	return m
}

// firstA returns the address of the first A record in resp's answer
// section, if any.
func firstA(resp *dns.Msg) net.IP {
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A
		}
	}
	return nil
}
