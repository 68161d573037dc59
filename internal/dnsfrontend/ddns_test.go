package dnsfrontend

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func updateMsg(t *testing.T, fqdn string, ip net.IP, ttl uint32) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn("rgw."))
	rr := &dns.A{Hdr: dns.RR_Header{Name: dns.Fqdn(fqdn), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl}, A: ip}
	m.Ns = append(m.Ns, rr)
	return m
}

func TestHandleUpdateRegistersOnNonZeroTTL(t *testing.T) {
	f, hosts := newTestFrontend(t, 10)
	resp := f.HandleUpdate(updateMsg(t, "host9.rgw.", net.ParseIP("10.0.0.9"), 3600), nil)
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)

	h, ok := hosts.GetByFQDN("host9.rgw.")
	require.True(t, ok)
	assert.True(t, h.IPv4.Equal(net.ParseIP("10.0.0.9")))
}

func TestHandleUpdateDeregistersOnZeroTTL(t *testing.T) {
	f, hosts := newTestFrontend(t, 10)
	f.HandleUpdate(updateMsg(t, "host9.rgw.", net.ParseIP("10.0.0.9"), 3600), nil)

	resp := f.HandleUpdate(updateMsg(t, "host9.rgw.", net.ParseIP("10.0.0.9"), 0), nil)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)

	_, ok := hosts.GetByFQDN("host9.rgw.")
	assert.False(t, ok)
}

func TestHandleUpdateAlwaysAnswersNoErrorEvenOnFailure(t *testing.T) {
	f, _ := newTestFrontend(t, 10)
	// Deregistering a host that was never registered fails internally,
	// but the DDNS contract still answers NOERROR (spec-supplemented
	// best-effort acknowledgement).
	resp := f.HandleUpdate(updateMsg(t, "ghost.rgw.", net.ParseIP("10.0.0.1"), 0), nil)
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
}
