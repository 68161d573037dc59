package hostregistry

import (
	"strings"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jllorente/realmgateway/internal/rgwerr"
)

var log = logrus.WithField("component", "hostregistry")

// reverseLabels turns "udp2001.host1.rgw." into ".rgw.host1.udp2001" so
// that the FQDN radix tree keyed on it groups names by zone suffix
// instead of by leftmost label. The registry itself only does exact
// lookups on this tree; the SFQDN and carrier-grade indices are plain maps.
func reverseLabels(fqdn string) []byte {
	fqdn = strings.TrimSuffix(fqdn, ".")
	labels := strings.Split(fqdn, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return []byte("." + strings.Join(labels, "."))
}

// Registry is C1: the host table indexed by FQDN, by service-qualified
// FQDN, and by carrier-grade-reachable FQDN. It is read-mostly; its
// mutex serializes access, since the DNS listener goroutines (queries and
// DDNS updates) call into it concurrently.
type Registry struct {
	mu sync.RWMutex

	byFQDN         *iradix.Tree // reversed label bytes -> *Host
	bySFQDN        map[string]*Host
	byCarrierGrade map[string]*Host

	// Reservations is consulted by Deregister to cascade removal; it is
	// the narrow interface ReservationTable satisfies (see
	// internal/reservation).
	Reservations HostReservations
}

// HostReservations is the subset of ReservationTable's API HostRegistry
// needs to cascade a deregistration (spec §4.1 deregister).
type HostReservations interface {
	RemoveAllForHost(fqdn string)
}

// New returns an empty Registry.
func New(reservations HostReservations) *Registry {
	return &Registry{
		byFQDN:         iradix.New(),
		bySFQDN:        make(map[string]*Host),
		byCarrierGrade: make(map[string]*Host),
		Reservations:   reservations,
	}
}

// Register inserts a Host, or confirms an idempotent no-op re-registration.
// It fails with rgwerr.Conflict if fqdn already exists bound to a
// different address (spec §4.1).
func (r *Registry) Register(h *Host) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := reverseLabels(h.FQDN)
	if raw, ok := r.byFQDN.Get(key); ok {
		existing := raw.(*Host)
		if existing.Equal(h) {
			log.WithField("fqdn", h.FQDN).Debug("idempotent re-register")
			return nil
		}
		return errors.Wrapf(rgwerr.Conflict, "host %s already registered with a different address", h.FQDN)
	}

	tree, _, _ := r.byFQDN.Insert(key, h)
	r.byFQDN = tree
	for sfqdn := range h.Services {
		r.bySFQDN[sfqdn] = h
	}
	for _, cg := range h.CarrierGradeFQDNs {
		r.byCarrierGrade[cg] = h
	}
	log.WithFields(logrus.Fields{"fqdn": h.FQDN, "ipv4": h.IPv4}).Info("registered host")
	return nil
}

// Deregister removes a Host and cascades removal of every reservation
// owned by it (releasing pool addresses as a side effect via
// ReservationTable.Remove).
func (r *Registry) Deregister(fqdn string) error {
	r.mu.Lock()
	h, ok := r.lookupFQDNLocked(fqdn)
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(rgwerr.NotFound, "host %s not registered", fqdn)
	}
	tree, _, _ := r.byFQDN.Delete(reverseLabels(fqdn))
	r.byFQDN = tree
	for sfqdn := range h.Services {
		if r.bySFQDN[sfqdn] == h {
			delete(r.bySFQDN, sfqdn)
		}
	}
	for _, cg := range h.CarrierGradeFQDNs {
		if r.byCarrierGrade[cg] == h {
			delete(r.byCarrierGrade, cg)
		}
	}
	r.mu.Unlock()

	if r.Reservations != nil {
		r.Reservations.RemoveAllForHost(fqdn)
	}
	log.WithField("fqdn", fqdn).Info("deregistered host")
	return nil
}

func (r *Registry) lookupFQDNLocked(fqdn string) (*Host, bool) {
	raw, ok := r.byFQDN.Get(reverseLabels(fqdn))
	if !ok {
		return nil, false
	}
	return raw.(*Host), true
}

// GetByFQDN looks up a host by its canonical FQDN (used for zone-apex
// resolution).
func (r *Registry) GetByFQDN(fqdn string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupFQDNLocked(fqdn)
}

// GetBySFQDN looks up the host owning a service-qualified FQDN.
func (r *Registry) GetBySFQDN(sfqdn string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.bySFQDN[sfqdn]
	return h, ok
}

// GetByCarrierGrade looks up the host reachable via sub-resolution for
// fqdn (spec §3: "carrier-grade FQDN - any name reachable through
// sub-resolution against this host").
func (r *Registry) GetByCarrierGrade(fqdn string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byCarrierGrade[fqdn]
	return h, ok
}

// Len returns the number of registered hosts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byFQDN.Len()
}
