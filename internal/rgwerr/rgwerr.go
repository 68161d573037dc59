// Package rgwerr defines the sentinel error taxonomy used across Realm
// Gateway's core components. Components wrap these with
// github.com/pkg/errors at the point of origin and callers branch with
// errors.Is.
package rgwerr

import "errors"

var (
	// NXDomain is returned for an in-SOA query for a name the gateway
	// does not know about.
	NXDomain = errors.New("rgw: nxdomain")

	// ServFail is returned when carrier-grade sub-resolution fails to
	// produce a verifiable answer.
	ServFail = errors.New("rgw: servfail")

	// Refused mirrors an upstream resolver's REFUSED response.
	Refused = errors.New("rgw: refused")

	// ResolutionFailure is returned when an upstream query exhausts its
	// retransmission schedule without an answer.
	ResolutionFailure = errors.New("rgw: resolution failure")

	// AdmissionDenied names the policy-or-pool-exhaustion failure kind,
	// on which a query is dropped silently. The frontend's admission
	// check reports it as a bool and does not return this value.
	AdmissionDenied = errors.New("rgw: admission denied")

	// NoReservation names the "no rung of the key-ladder matched" kind.
	// The packet path reports a miss as a bool and does not return this
	// value.
	NoReservation = errors.New("rgw: no reservation")

	// Duplicate is returned by ReservationTable.Add when a unique key
	// already exists.
	Duplicate = errors.New("rgw: duplicate reservation")

	// ProtocolError is returned for malformed DNS messages or packets.
	ProtocolError = errors.New("rgw: protocol error")

	// Conflict is returned by HostRegistry.Register when the FQDN exists
	// with a different address.
	Conflict = errors.New("rgw: conflicting registration")

	// NotFound is a generic lookup-miss, returned by
	// HostRegistry.Deregister for an unknown FQDN.
	NotFound = errors.New("rgw: not found")

	// PoolExhausted is returned by CircularPool.Allocate when no free
	// address remains.
	PoolExhausted = errors.New("rgw: pool exhausted")
)
