package reservation

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jllorente/realmgateway/internal/rgwerr"
)

var log = logrus.WithField("component", "reservationtable")

// PoolReleaser is the narrow CircularPool API the table needs to release
// a pool address once its last reservation is gone (spec §3: "release of
// the pool IP happens iff no other reservation on the same outbound IP
// remains" and §9: the table performs the release hook itself instead of
// a monkey-patched per-reservation callback).
type PoolReleaser interface {
	Release(ip net.IP)
}

// Table is C3: a multi-indexed set of Reservations, built as an arena
// (the `all` set) plus several hash indices, exactly the redesign spec §9
// calls for in place of the original's per-node lookup-key-list
// container.
type Table struct {
	mu sync.Mutex

	all map[*Reservation]struct{}

	nonUnique map[Key]map[*Reservation]struct{}
	unique    map[Key]*Reservation

	// currentKeys remembers, per reservation, exactly which keys it is
	// indexed under right now, so Remove/UpdateKeys can undo precisely
	// that set without recomputing from possibly-stale fields.
	currentKeys map[*Reservation][]Key

	pool PoolReleaser
}

// NewTable builds an empty table that releases addresses back to pool
// once a reservation's outbound IP has no members left.
func NewTable(pool PoolReleaser) *Table {
	return &Table{
		all:         make(map[*Reservation]struct{}),
		nonUnique:   make(map[Key]map[*Reservation]struct{}),
		unique:      make(map[Key]*Reservation),
		currentKeys: make(map[*Reservation][]Key),
		pool:        pool,
	}
}

// Add inserts r under every key its current state implies, or fails with
// rgwerr.Duplicate if any unique key is already taken.
func (t *Table) Add(r *Reservation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := r.keys()
	for _, k := range keys {
		if k.unique() {
			if existing, ok := t.unique[k]; ok && existing != r {
				return errors.Wrapf(rgwerr.Duplicate, "reservation already exists for key %+v", k)
			}
		}
	}

	t.insertLocked(r, keys)
	log.WithField("reservation", r.String()).Debug("added reservation")
	return nil
}

func (t *Table) insertLocked(r *Reservation, keys []Key) {
	for _, k := range keys {
		if k.unique() {
			t.unique[k] = r
		} else {
			set, ok := t.nonUnique[k]
			if !ok {
				set = make(map[*Reservation]struct{})
				t.nonUnique[k] = set
			}
			set[r] = struct{}{}
		}
	}
	t.all[r] = struct{}{}
	t.currentKeys[r] = keys
}

func (t *Table) removeKeysLocked(r *Reservation, keys []Key) {
	for _, k := range keys {
		if k.unique() {
			if t.unique[k] == r {
				delete(t.unique, k)
			}
		} else if set, ok := t.nonUnique[k]; ok {
			delete(set, r)
			if len(set) == 0 {
				delete(t.nonUnique, k)
			}
		}
	}
}

// Remove deletes r from every index it is currently indexed under, and
// releases its outbound pool address iff no reservation remains under
// that address (spec §3, §4.3).
func (t *Table) Remove(r *Reservation) {
	t.mu.Lock()
	keys, ok := t.currentKeys[r]
	if !ok {
		t.mu.Unlock()
		return
	}
	t.removeKeysLocked(r, keys)
	delete(t.currentKeys, r)
	delete(t.all, r)

	pubKey := PublicIPKey(r.OutboundIP.String())
	remaining := len(t.nonUnique[pubKey])
	t.mu.Unlock()

	log.WithField("reservation", r.String()).Debug("removed reservation")
	if remaining == 0 && t.pool != nil {
		t.pool.Release(r.OutboundIP)
	}
}

// UpdateKeys re-indexes r after its fields changed in place (autobind:
// 3-tuple -> 5-tuple). It removes the stale key set and inserts the
// current one.
func (t *Table) UpdateKeys(r *Reservation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.currentKeys[r]
	if ok {
		t.removeKeysLocked(r, old)
	}
	t.insertLocked(r, r.keys())
}

// Has reports whether any reservation is indexed under key.
func (t *Table) Has(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if key.unique() {
		_, ok := t.unique[key]
		return ok
	}
	return len(t.nonUnique[key]) > 0
}

// GetUnique returns the reservation indexed under a unique-form key.
func (t *Table) GetUnique(key Key) (*Reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.unique[key]
	return r, ok
}

// Stats returns the number of reservations indexed under a non-unique
// key (e.g. AllKey for the global count, HostKey(fqdn) for a per-host
// count).
func (t *Table) Stats(key Key) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if key.unique() {
		if _, ok := t.unique[key]; ok {
			return 1
		}
		return 0
	}
	return len(t.nonUnique[key])
}

// SweepExpired removes every reservation whose ExpiresAt is in the past.
// It is invoked at the start of every admission check (spec §4.3) and,
// in a running Engine, also from a periodic background ticker.
func (t *Table) SweepExpired(now time.Time) {
	t.mu.Lock()
	var expired []*Reservation
	for r := range t.all {
		if r.HasExpired(now) {
			expired = append(expired, r)
		}
	}
	t.mu.Unlock()

	for _, r := range expired {
		log.WithField("reservation", r.String()).Info("reservation expired")
		t.Remove(r)
	}
}

// RemoveAllForHost removes every reservation owned by hostFQDN, used by
// HostRegistry.Deregister to cascade cleanup (spec §4.1).
func (t *Table) RemoveAllForHost(hostFQDN string) {
	t.mu.Lock()
	set := t.nonUnique[HostKey(hostFQDN)]
	owned := make([]*Reservation, 0, len(set))
	for r := range set {
		owned = append(owned, r)
	}
	t.mu.Unlock()

	for _, r := range owned {
		t.Remove(r)
	}
}

// MatchPacket runs the key-ladder of spec §4.3 against an inbound
// packet's 5-tuple, first match wins. It returns false both when step 1
// fails (dst has no reservation at all) and when every later rung
// misses; callers that need to tell "not ours" from "ladder exhausted"
// do so via Has(PublicIPKey(dst)) themselves.
func (t *Table) MatchPacket(dst net.IP, dport uint16, src net.IP, sport uint16, proto uint8) (*Reservation, bool) {
	dstS := dst.String()
	if !t.Has(PublicIPKey(dstS)) {
		return nil, false
	}

	ladder := []Key{
		{Form: Form5Tuple, OutboundIP: dstS, OutboundPort: dport, RemoteIP: src.String(), RemotePort: sport, Protocol: proto},
		{Form: Form3Tuple, OutboundIP: dstS, OutboundPort: dport, Protocol: proto},
		{Form: Form3Tuple, OutboundIP: dstS, OutboundPort: 0, Protocol: 0},
		{Form: Form3Tuple, OutboundIP: dstS, OutboundPort: dport, Protocol: 0},
		{Form: Form3Tuple, OutboundIP: dstS, OutboundPort: 0, Protocol: proto},
	}
	for _, k := range ladder {
		if r, ok := t.GetUnique(k); ok {
			return r, true
		}
	}
	return nil, false
}

// GetAll returns every reservation indexed under a non-unique key, e.g.
// PublicIPKey(ip) to enumerate all reservations currently overloading one
// outbound address (spec §4.4 step 8's overload scan).
func (t *Table) GetAll(key Key) []*Reservation {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.nonUnique[key]
	out := make([]*Reservation, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	return out
}

// Len returns the number of reservations currently in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.all)
}
