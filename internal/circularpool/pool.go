// Package circularpool implements C2, the finite public-IPv4 allocator
// shared by many inbound flows (CircularPool and ServicePool are both
// instances of Pool, configured with different address lists).
package circularpool

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jllorente/realmgateway/internal/rgwerr"
)

var log = logrus.WithField("component", "circularpool")

// Stats reports pool occupancy, consumed by the admission check (spec
// §4.2, §4.4 step 5).
type Stats struct {
	Size      int
	Allocated int
	Available int
}

// Pool is a finite, ordered set of public IPv4 addresses with a
// free/allocated bitmap. An address is free or associated with one or
// more reservations; it never auto-expires (spec §4.2 — expiration is
// entirely driven by ReservationTable).
type Pool struct {
	mu sync.Mutex

	addrs     []string // canonical order, for deterministic least-recently-released tie-break
	allocated map[string]bool

	// next is the index into addrs the next allocate() scan starts from,
	// giving round-robin / least-recently-released reuse instead of
	// always handing back addrs[0].
	next int
}

// New builds a Pool over the given IPv4 addresses. Invalid or duplicate
// addresses are rejected.
func New(addresses []net.IP) (*Pool, error) {
	p := &Pool{allocated: make(map[string]bool)}
	seen := make(map[string]bool)
	for _, a := range addresses {
		if a == nil {
			return nil, errors.Wrap(rgwerr.ProtocolError, "nil address in pool")
		}
		s := a.String()
		if seen[s] {
			return nil, errors.Wrapf(rgwerr.ProtocolError, "duplicate pool address %s", s)
		}
		seen[s] = true
		p.addrs = append(p.addrs, s)
	}
	return p, nil
}

// Allocate returns a free address, marking it allocated, or
// rgwerr.PoolExhausted if none remain. Ties are broken by scanning from
// the address least recently handed back.
func (p *Pool) Allocate() (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.addrs)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		addr := p.addrs[idx]
		if !p.allocated[addr] {
			p.allocated[addr] = true
			p.next = (idx + 1) % n
			log.WithField("addr", addr).Debug("allocated pool address")
			return net.ParseIP(addr), nil
		}
	}
	return nil, rgwerr.PoolExhausted
}

// Release returns ip to the free set. Double-release and releasing an
// address outside the pool are both no-ops (spec §4.2).
func (p *Pool) Release(ip net.IP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := ip.String()
	if !p.allocated[s] {
		return
	}
	delete(p.allocated, s)
	log.WithField("addr", s).Debug("released pool address")
}

// GetAllocated returns every currently allocated address, in pool order.
func (p *Pool) GetAllocated() []net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]net.IP, 0, len(p.allocated))
	for _, a := range p.addrs {
		if p.allocated[a] {
			out = append(out, net.ParseIP(a))
		}
	}
	return out
}

// Stats returns pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      len(p.addrs),
		Allocated: len(p.allocated),
		Available: len(p.addrs) - len(p.allocated),
	}
}
