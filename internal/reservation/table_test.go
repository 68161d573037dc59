package reservation

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReleaser struct{ released []string }

func (f *fakeReleaser) Release(ip net.IP) { f.released = append(f.released, ip.String()) }

func newTestReservation(host string, outboundPort uint16) *Reservation {
	now := time.Now()
	return New(host, net.ParseIP("10.0.0.1"), 80, net.ParseIP("198.51.100.1"), outboundPort, 6, "www."+host, 0, false, time.Second, now)
}

func TestTableAddAndMatch(t *testing.T) {
	table := NewTable(nil)
	r := newTestReservation("host1.", 80)
	require.NoError(t, table.Add(r))

	got, ok := table.MatchPacket(r.OutboundIP, 80, net.ParseIP("203.0.113.5"), 12345, 6)
	require.True(t, ok)
	assert.Equal(t, r, got)
}

func TestTableAddDuplicateFails(t *testing.T) {
	table := NewTable(nil)
	r1 := newTestReservation("host1.", 80)
	r2 := newTestReservation("host1.", 80)
	require.NoError(t, table.Add(r1))
	err := table.Add(r2)
	assert.Error(t, err)
}

func TestTableMatchPacketKeyLadder(t *testing.T) {
	table := NewTable(nil)
	// A wildcard reservation (port 0, protocol 0) must still match a
	// packet with a concrete port/protocol once the exact and
	// partially-wildcarded rungs miss.
	r := New("host1.", net.ParseIP("10.0.0.2"), 0, net.ParseIP("198.51.100.2"), 0, 0, "host1.", 0, false, time.Second, time.Now())
	require.NoError(t, table.Add(r))

	got, ok := table.MatchPacket(r.OutboundIP, 443, net.ParseIP("203.0.113.9"), 55555, 6)
	require.True(t, ok)
	assert.Equal(t, r, got)
}

func TestTableMatchPacketUnknownAddressMisses(t *testing.T) {
	table := NewTable(nil)
	_, ok := table.MatchPacket(net.ParseIP("198.51.100.99"), 80, net.ParseIP("203.0.113.5"), 1, 6)
	assert.False(t, ok)
}

func TestTableRemoveReleasesPoolOnLastReservation(t *testing.T) {
	releaser := &fakeReleaser{}
	table := NewTable(releaser)
	r := newTestReservation("host1.", 80)
	require.NoError(t, table.Add(r))

	table.Remove(r)
	assert.Equal(t, []string{"198.51.100.1"}, releaser.released)
}

func TestTableRemoveDoesNotReleaseWhileSiblingsRemain(t *testing.T) {
	releaser := &fakeReleaser{}
	table := NewTable(releaser)
	r1 := newTestReservation("host1.", 80)
	r2 := newTestReservation("host1.", 443)
	require.NoError(t, table.Add(r1))
	require.NoError(t, table.Add(r2))

	table.Remove(r1)
	assert.Empty(t, releaser.released)
	table.Remove(r2)
	assert.Equal(t, []string{"198.51.100.1"}, releaser.released)
}

func TestTableSweepExpired(t *testing.T) {
	releaser := &fakeReleaser{}
	table := NewTable(releaser)
	r := New("host1.", net.ParseIP("10.0.0.1"), 80, net.ParseIP("198.51.100.1"), 80, 6, "www.host1.", 0, false, time.Millisecond, time.Now().Add(-time.Hour))
	require.NoError(t, table.Add(r))

	table.SweepExpired(time.Now())
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, []string{"198.51.100.1"}, releaser.released)
}

func TestReservationPostProcessLoosePacket(t *testing.T) {
	table := NewTable(nil)
	r := New("host1.", net.ParseIP("10.0.0.1"), 80, net.ParseIP("198.51.100.1"), 80, 6, "www.host1.", 2, false, time.Second, time.Now())
	require.NoError(t, table.Add(r))

	assert.Equal(t, Keep, r.PostProcess(table, net.ParseIP("203.0.113.1"), 1))
	assert.Equal(t, 1, r.LoosePacket)
	assert.Equal(t, Keep, r.PostProcess(table, net.ParseIP("203.0.113.1"), 1))
	assert.Equal(t, 0, r.LoosePacket)
	assert.Equal(t, Consume, r.PostProcess(table, net.ParseIP("203.0.113.1"), 1))
}

func TestReservationAutobindRebindsToFiveTuple(t *testing.T) {
	table := NewTable(nil)
	r := New("host1.", net.ParseIP("10.0.0.1"), 80, net.ParseIP("198.51.100.1"), 80, 6, "www.host1.", 5, true, time.Second, time.Now())
	require.NoError(t, table.Add(r))

	src := net.ParseIP("203.0.113.1")
	r.PostProcess(table, src, 4242)
	assert.True(t, r.Bound())

	// A second packet from a different peer must no longer match, since
	// the reservation is now pinned to the first peer's 5-tuple.
	_, ok := table.MatchPacket(r.OutboundIP, 80, net.ParseIP("203.0.113.2"), 9999, 6)
	assert.False(t, ok)

	got, ok := table.MatchPacket(r.OutboundIP, 80, src, 4242, 6)
	require.True(t, ok)
	assert.Equal(t, r, got)
}
