package circularpool

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllorente/realmgateway/internal/rgwerr"
)

func ips(addrs ...string) []net.IP {
	out := make([]net.IP, len(addrs))
	for i, a := range addrs {
		out[i] = net.ParseIP(a)
	}
	return out
}

func TestPoolAllocateExhaustion(t *testing.T) {
	p, err := New(ips("198.51.100.1", "198.51.100.2"))
	require.NoError(t, err)

	a1, err := p.Allocate()
	require.NoError(t, err)
	a2, err := p.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, a1.String(), a2.String())

	_, err = p.Allocate()
	assert.ErrorIs(t, err, rgwerr.PoolExhausted)
}

func TestPoolReleaseThenReallocate(t *testing.T) {
	p, err := New(ips("198.51.100.1"))
	require.NoError(t, err)

	a, err := p.Allocate()
	require.NoError(t, err)
	p.Release(a)

	a2, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, a.String(), a2.String())
}

func TestPoolDoubleReleaseIsNoop(t *testing.T) {
	p, err := New(ips("198.51.100.1", "198.51.100.2"))
	require.NoError(t, err)

	a, err := p.Allocate()
	require.NoError(t, err)
	p.Release(a)
	p.Release(a) // must not panic or corrupt state

	stats := p.Stats()
	assert.Equal(t, 0, stats.Allocated)
	assert.Equal(t, 2, stats.Available)
}

func TestPoolRejectsDuplicateAddresses(t *testing.T) {
	_, err := New(ips("198.51.100.1", "198.51.100.1"))
	assert.Error(t, err)
}

func TestPoolGetAllocatedOrder(t *testing.T) {
	p, err := New(ips("198.51.100.1", "198.51.100.2", "198.51.100.3"))
	require.NoError(t, err)

	_, err = p.Allocate()
	require.NoError(t, err)
	_, err = p.Allocate()
	require.NoError(t, err)

	allocated := p.GetAllocated()
	require.Len(t, allocated, 2)
	assert.Equal(t, "198.51.100.1", allocated[0].String())
	assert.Equal(t, "198.51.100.2", allocated[1].String())
}
