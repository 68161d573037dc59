// Package reservation implements C3, the multi-indexed table of pending
// inbound reservations: the struct reservation.Reservation and the
// ReservationTable container (spec §3, §4.3).
package reservation

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Reservation is a pending inbound flow: an owning host, a private
// target, an outbound pool address, and optionally the remote peer once
// autobind has fired (spec §3).
type Reservation struct {
	ID string

	HostFQDN    string
	PrivateIP   net.IP
	PrivatePort uint16

	OutboundIP   net.IP
	OutboundPort uint16

	RemoteIP   net.IP // nil until autobind
	RemotePort uint16

	Protocol uint8
	FQDN     string // the SFQDN that triggered this reservation

	LoosePacket  int
	Autobind     bool
	autobindDone bool

	Timeout   time.Duration
	CreatedAt time.Time
	ExpiresAt time.Time
}

// New builds a Reservation with its creation/expiry timestamps set from
// now, matching the original's timestamp_zero/timestamp_eol pair.
func New(hostFQDN string, privateIP net.IP, privatePort uint16, outboundIP net.IP, outboundPort uint16, protocol uint8, fqdn string, loosePacket int, autobind bool, timeout time.Duration, now time.Time) *Reservation {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Reservation{
		ID:          uuid.NewString(),
		HostFQDN:    hostFQDN,
		PrivateIP:   privateIP,
		PrivatePort: privatePort,
		OutboundIP:  outboundIP,
		OutboundPort: outboundPort,
		Protocol:    protocol,
		FQDN:        fqdn,
		LoosePacket: loosePacket,
		Autobind:    autobind,
		Timeout:     timeout,
		CreatedAt:   now,
		ExpiresAt:   now.Add(timeout),
	}
}

// HasExpired reports whether now is past r's expiry.
func (r *Reservation) HasExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Age returns how long the reservation has existed as of now.
func (r *Reservation) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Bound reports whether autobind has already fired.
func (r *Reservation) Bound() bool {
	return r.autobindDone
}

// PostProcessVerdict is the result of PostProcess: whether the caller
// should consume (remove) the reservation or keep it for further
// packets.
type PostProcessVerdict int

const (
	// Keep means the reservation survives this packet.
	Keep PostProcessVerdict = iota
	// Consume means the caller must remove the reservation now.
	Consume
)

// PostProcess implements spec §4.5 step 4 / §3: consume on an ordinary
// single-shot reservation, decrement-and-keep on a loose-packet budget,
// treat a negative budget as a permanent hole, and autobind (3-tuple ->
// 5-tuple re-indexing) the first time a packet arrives if requested.
func (r *Reservation) PostProcess(table *Table, src net.IP, sport uint16) PostProcessVerdict {
	verdict := Keep
	switch {
	case r.LoosePacket == 0:
		verdict = Consume
	case r.LoosePacket > 0:
		r.LoosePacket--
	default:
		// LoosePacket < 0: permanent hole (spec §9 open question,
		// resolved as "autobind still applies once").
	}

	if r.Autobind && !r.autobindDone {
		r.RemoteIP = src
		r.RemotePort = sport
		table.UpdateKeys(r)
		r.autobindDone = true
	}

	return verdict
}

func (r *Reservation) keys() []Key {
	ks := []Key{
		AllKey,
		HostKey(r.HostFQDN),
		PublicIPKey(r.OutboundIP.String()),
	}
	if r.RemoteIP == nil {
		ks = append(ks, Key{
			Form:         Form3Tuple,
			OutboundIP:   r.OutboundIP.String(),
			OutboundPort: r.OutboundPort,
			Protocol:     r.Protocol,
		})
	} else {
		ks = append(ks, Key{
			Form:         Form5Tuple,
			OutboundIP:   r.OutboundIP.String(),
			OutboundPort: r.OutboundPort,
			RemoteIP:     r.RemoteIP.String(),
			RemotePort:   r.RemotePort,
			Protocol:     r.Protocol,
		})
	}
	return ks
}

// String mirrors the original ConnectionLegacy.__repr__ field ordering:
// host, protocol, private<-outbound, remote peer, timeout, SFQDN,
// loose-packet bucket, autobind flag.
func (r *Reservation) String() string {
	s := fmt.Sprintf("(%s) [%d]", r.HostFQDN, r.Protocol)
	if r.PrivatePort != 0 {
		s += fmt.Sprintf(" %s:%d <- %s:%d", r.PrivateIP, r.PrivatePort, r.OutboundIP, r.OutboundPort)
	} else {
		s += fmt.Sprintf(" %s <- %s", r.PrivateIP, r.OutboundIP)
	}
	if r.RemoteIP != nil {
		s += fmt.Sprintf(" <=> %s:%d", r.RemoteIP, r.RemotePort)
	}
	s += fmt.Sprintf(" (%s)", r.Timeout)
	if r.FQDN != "" {
		s += fmt.Sprintf(" | FQDN %s", r.FQDN)
	}
	if r.LoosePacket != 0 {
		s += fmt.Sprintf(" / bucket=%d", r.LoosePacket)
	}
	if !r.Autobind {
		s += " / autobind=false"
	}
	return s
}
