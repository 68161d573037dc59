package dnsfrontend

import (
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/jllorente/realmgateway/internal/rgwerr"
)

// resolve issues query against server, retrying per schedule (spec §4.4
// "Timeouts": a per-record-type retransmission schedule in seconds,
// default [0] meaning one blocking attempt). The last failed attempt
// fails with rgwerr.ResolutionFailure (spec §5 "Cancellation and
// timeouts").
func resolve(client *dns.Client, query *dns.Msg, server string, schedule []time.Duration) (*dns.Msg, error) {
	if len(schedule) == 0 {
		schedule = []time.Duration{0}
	}

	var lastErr error
	for i, d := range schedule {
		c := *client
		if d > 0 {
			c.Timeout = d
		}
		resp, _, err := c.Exchange(query, server)
		if err == nil && resp != nil {
			return resp, nil
		}
		lastErr = err
		_ = i
	}
	return nil, errors.Wrapf(rgwerr.ResolutionFailure, "resolve via %s: %v", server, lastErr)
}

// scheduleFor returns the retransmission schedule for a record type,
// falling back to the "" default entry (spec §4.4).
func scheduleFor(schedules map[string][]time.Duration, qtype uint16) []time.Duration {
	key := dns.TypeToString[qtype]
	if s, ok := schedules[key]; ok {
		return s
	}
	if s, ok := schedules[""]; ok {
		return s
	}
	return []time.Duration{0}
}
