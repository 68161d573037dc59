package hostregistry

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReservations struct{ removedFor []string }

func (f *fakeReservations) RemoveAllForHost(fqdn string) { f.removedFor = append(f.removedFor, fqdn) }

func TestRegisterAndLookup(t *testing.T) {
	reg := New(&fakeReservations{})
	h := &Host{
		FQDN: "host1.rgw.",
		IPv4: net.ParseIP("10.0.0.1"),
		Services: map[string]ServiceAttrs{
			"www.host1.rgw.": {Port: 80, Protocol: 6},
		},
		CarrierGradeFQDNs: []string{"cam.host1.rgw."},
	}
	require.NoError(t, reg.Register(h))

	got, ok := reg.GetByFQDN("host1.rgw.")
	require.True(t, ok)
	assert.Equal(t, h, got)

	got, ok = reg.GetBySFQDN("www.host1.rgw.")
	require.True(t, ok)
	assert.Equal(t, h, got)

	got, ok = reg.GetByCarrierGrade("cam.host1.rgw.")
	require.True(t, ok)
	assert.Equal(t, h, got)
}

func TestRegisterIsIdempotentOnEqualHost(t *testing.T) {
	reg := New(&fakeReservations{})
	h1 := &Host{FQDN: "host1.rgw.", IPv4: net.ParseIP("10.0.0.1")}
	h2 := &Host{FQDN: "host1.rgw.", IPv4: net.ParseIP("10.0.0.1")}
	require.NoError(t, reg.Register(h1))
	assert.NoError(t, reg.Register(h2))
}

func TestRegisterConflictsOnDifferentAddress(t *testing.T) {
	reg := New(&fakeReservations{})
	h1 := &Host{FQDN: "host1.rgw.", IPv4: net.ParseIP("10.0.0.1")}
	h2 := &Host{FQDN: "host1.rgw.", IPv4: net.ParseIP("10.0.0.2")}
	require.NoError(t, reg.Register(h1))
	assert.Error(t, reg.Register(h2))
}

func TestDeregisterCascadesToReservations(t *testing.T) {
	res := &fakeReservations{}
	reg := New(res)
	h := &Host{FQDN: "host1.rgw.", IPv4: net.ParseIP("10.0.0.1")}
	require.NoError(t, reg.Register(h))

	require.NoError(t, reg.Deregister("host1.rgw."))
	assert.Equal(t, []string{"host1.rgw."}, res.removedFor)
	_, ok := reg.GetByFQDN("host1.rgw.")
	assert.False(t, ok)
}

func TestIsCarrierGradeAllowed(t *testing.T) {
	h := &Host{CarrierGradeWhitelist: []CarrierGradeAddr{{IPv4: net.ParseIP("203.0.113.9")}}}
	assert.True(t, h.IsCarrierGradeAllowed(net.ParseIP("203.0.113.9")))
	assert.False(t, h.IsCarrierGradeAllowed(net.ParseIP("203.0.113.10")))
}
