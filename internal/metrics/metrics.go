// Package metrics exposes CircularPool and ReservationTable occupancy as
// Prometheus gauges, polled on demand rather than pushed, since both
// collaborators already hold the authoritative counts behind their own
// locks (spec §4.2, §4.3 "Stats").
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jllorente/realmgateway/internal/circularpool"
	"github.com/jllorente/realmgateway/internal/reservation"
)

// PoolStater is the narrow circularpool.Pool API a Collector polls.
type PoolStater interface {
	Stats() circularpool.Stats
}

// ReservationStater is the narrow reservation.Table API a Collector
// polls.
type ReservationStater interface {
	Stats(key reservation.Key) int
	Len() int
}

// Collector implements prometheus.Collector over a set of named pools
// and a reservation table, so scraping never blocks on the gateway's
// own event loop beyond the brief lock each Stats()/Len() call takes.
type Collector struct {
	pools        map[string]PoolStater
	reservations ReservationStater

	poolSize      *prometheus.Desc
	poolAllocated *prometheus.Desc
	poolAvailable *prometheus.Desc
	reservations_ *prometheus.Desc
}

// NewCollector builds a Collector over named pools (e.g. "circularpool",
// "servicepool") and the reservation table.
func NewCollector(pools map[string]PoolStater, reservations ReservationStater) *Collector {
	return &Collector{
		pools:        pools,
		reservations: reservations,
		poolSize: prometheus.NewDesc(
			"rgw_pool_size", "Configured size of a Realm Gateway address pool.",
			[]string{"pool"}, nil),
		poolAllocated: prometheus.NewDesc(
			"rgw_pool_allocated", "Currently allocated addresses in a Realm Gateway address pool.",
			[]string{"pool"}, nil),
		poolAvailable: prometheus.NewDesc(
			"rgw_pool_available", "Currently free addresses in a Realm Gateway address pool.",
			[]string{"pool"}, nil),
		reservations_: prometheus.NewDesc(
			"rgw_reservations_active", "Active reservations in the ReservationTable.",
			nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolSize
	ch <- c.poolAllocated
	ch <- c.poolAvailable
	ch <- c.reservations_
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, pool := range c.pools {
		s := pool.Stats()
		ch <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(s.Size), name)
		ch <- prometheus.MustNewConstMetric(c.poolAllocated, prometheus.GaugeValue, float64(s.Allocated), name)
		ch <- prometheus.MustNewConstMetric(c.poolAvailable, prometheus.GaugeValue, float64(s.Available), name)
	}
	if c.reservations != nil {
		ch <- prometheus.MustNewConstMetric(c.reservations_, prometheus.GaugeValue, float64(c.reservations.Len()))
	}
}
