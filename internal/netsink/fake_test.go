package netsink

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeInjectDeliversToRegisteredHandler(t *testing.T) {
	f := NewFake()
	var seen []byte
	require.NoError(t, f.RegisterQueue(7, func(p Packet) {
		seen = p.Payload()
		require.NoError(t, p.Accept())
	}))

	pkt := f.Inject(7, []byte{1, 2, 3})
	assert.Equal(t, []byte{1, 2, 3}, seen)
	assert.True(t, pkt.Accepted)
}

func TestFakeInjectOnUnregisteredQueueIsNoop(t *testing.T) {
	f := NewFake()
	pkt := f.Inject(9, []byte{1})
	assert.False(t, pkt.Accepted)
	assert.False(t, pkt.Dropped)
}

func TestFakeEnsurePoolAddress(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.EnsurePoolAddress(net.ParseIP("198.51.100.1")))
	assert.Contains(t, f.pool, "198.51.100.1")
}
