// Package engine wires HostRegistry, CircularPool, ReservationTable,
// DnsFrontend and PacketDispatcher into one running gateway: it owns the
// DNS listeners, the kernel packet queue registration and the
// Prometheus exporter (spec §5 "Concurrency model").
//
// The original system is a single-threaded cooperative event loop where
// only DNS I/O suspends and the packet callback never does. Go has no
// equivalent single-thread primitive worth fighting for, so this
// translates the invariant instead of the mechanism: every shared table
// (HostRegistry, CircularPool, ReservationTable) already serializes its
// own mutations behind a mutex, so any number of goroutines — one per
// DNS listener, one for the packet callback, one for the expiry sweep —
// can call into them concurrently without reintroducing the races the
// original avoided by construction.
package engine

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jllorente/realmgateway/internal/circularpool"
	"github.com/jllorente/realmgateway/internal/config"
	"github.com/jllorente/realmgateway/internal/dnsfrontend"
	"github.com/jllorente/realmgateway/internal/hostregistry"
	"github.com/jllorente/realmgateway/internal/metrics"
	"github.com/jllorente/realmgateway/internal/netsink"
	"github.com/jllorente/realmgateway/internal/packetdispatcher"
	"github.com/jllorente/realmgateway/internal/reservation"
)

var log = logrus.WithField("component", "engine")

// sweepInterval is how often the reservation table is swept for expired
// entries outside of an admission check, keeping Stats() accurate even
// on an idle host (spec §4.3 sweeps lazily on admission; this is the
// idiomatic Go addition of a background ticker on top of that).
const sweepInterval = 1 * time.Second

// Engine owns every collaborator and the goroutines that drive them.
type Engine struct {
	cfg *config.Config

	Hosts        *hostregistry.Registry
	Reservations *reservation.Table
	CircularPool *circularpool.Pool
	ServicePool  *circularpool.Pool
	Frontend     *dnsfrontend.Frontend
	Dispatcher   *packetdispatcher.Dispatcher

	sink   netsink.Sink
	policy dnsfrontend.PolicyStore

	servers    []*dns.Server
	metricsSrv *http.Server
}

// New builds an Engine from configuration and its two opaque external
// collaborators: sink (the kernel packet-queue/firewall boundary) and
// policy (the DDNS registration defaults source). policy may be nil.
func New(cfg *config.Config, sink netsink.Sink, policy dnsfrontend.PolicyStore) (*Engine, error) {
	pool, err := circularpool.New(parseIPs(cfg.CircularPool))
	if err != nil {
		return nil, errors.Wrap(err, "engine: circularpool")
	}
	servicePool, err := circularpool.New(parseIPs(cfg.ServicePool))
	if err != nil {
		return nil, errors.Wrap(err, "engine: servicepool")
	}

	table := reservation.NewTable(pool)
	hosts := hostregistry.New(table)
	if err := registerConfiguredHosts(hosts, cfg.Hosts); err != nil {
		return nil, errors.Wrap(err, "engine: registering configured hosts")
	}

	soa := dnsfrontend.NewSoaSet(cfg.SOA)
	resolvers := dnsfrontend.NewResolverSet(resolverAddrs(cfg.Resolvers))
	frontend := dnsfrontend.New(hosts, soa, resolvers, table, pool, servicePool, cfg.CircularPoolMax, cfg.TimeoutSchedule(), nil)
	dispatcher := packetdispatcher.New(table)

	return &Engine{
		cfg:          cfg,
		Hosts:        hosts,
		Reservations: table,
		CircularPool: pool,
		ServicePool:  servicePool,
		Frontend:     frontend,
		Dispatcher:   dispatcher,
		sink:         sink,
		policy:       policy,
	}, nil
}

func resolverAddrs(resolvers []config.Resolver) []string {
	out := make([]string, len(resolvers))
	for i, r := range resolvers {
		out[i] = r.Addr()
	}
	return out
}

func parseIPs(addrs []string) []net.IP {
	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			out = append(out, ip.To4())
		}
	}
	return out
}

func registerConfiguredHosts(hosts *hostregistry.Registry, configs []config.HostConfig) error {
	for _, hc := range configs {
		h := &hostregistry.Host{
			FQDN:     hc.FQDN,
			IPv4:     net.ParseIP(hc.IPv4),
			Services: make(map[string]hostregistry.ServiceAttrs, len(hc.Services)),
			CarrierGradeFQDNs: hc.CarrierGradeFQDNs,
			CircularPool:      hostregistry.PoolPolicy{Max: hc.CircularPoolMax},
			Groups:            hc.Groups,
			Firewall:          hostregistry.FirewallRules{Admin: hc.FirewallAdmin, User: hc.FirewallUser},
		}
		for sfqdn, sc := range hc.Services {
			h.Services[sfqdn] = hostregistry.ServiceAttrs{
				Port:          sc.Port,
				Protocol:      sc.Protocol,
				ProxyRequired: sc.ProxyRequired,
				CarrierGrade:  sc.CarrierGrade,
				LoosePacket:   sc.LoosePacket,
				Autobind:      sc.Autobind,
				Timeout:       sc.Timeout(),
			}
		}
		for _, wl := range hc.CarrierGradeWhitelist {
			if ip := net.ParseIP(wl); ip != nil {
				h.CarrierGradeWhitelist = append(h.CarrierGradeWhitelist, hostregistry.CarrierGradeAddr{IPv4: ip})
			}
		}
		if err := hosts.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Run starts every DNS listener, the packet queue callback and the
// metrics exporter, and blocks until ctx is cancelled or a listener
// fails.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.sink.RegisterQueue(e.cfg.PacketQueueNum, e.Dispatcher.OnPacket); err != nil {
		return errors.Wrap(err, "engine: registering packet queue")
	}
	for _, addr := range parseIPs(e.cfg.CircularPool) {
		if err := e.sink.EnsurePoolAddress(addr); err != nil {
			return errors.Wrapf(err, "engine: ensuring pool address %s", addr)
		}
	}
	for _, addr := range parseIPs(e.cfg.ServicePool) {
		if err := e.sink.EnsurePoolAddress(addr); err != nil {
			return errors.Wrapf(err, "engine: ensuring service pool address %s", addr)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, iface := range e.cfg.Interfaces {
		iface := iface
		udpSrv := &dns.Server{Addr: iface.Addr, Net: "udp", Handler: e.handler(iface.Role)}
		e.servers = append(e.servers, udpSrv)
		g.Go(func() error {
			log.WithFields(logrus.Fields{"interface": iface.Name, "role": iface.Role, "addr": iface.Addr, "net": "udp"}).Info("dns listener starting")
			if err := udpSrv.ListenAndServe(); err != nil {
				return errors.Wrapf(err, "dns listener %s (%s/udp)", iface.Name, iface.Addr)
			}
			return nil
		})

		// Spec §6: the gateway must answer on both UDP and TCP — large
		// responses and zone transfers need TCP, and miekg/dns's TCP
		// server handles the 2-byte length prefix internally.
		tcpSrv := &dns.Server{Addr: iface.Addr, Net: "tcp", Handler: e.handler(iface.Role)}
		e.servers = append(e.servers, tcpSrv)
		g.Go(func() error {
			log.WithFields(logrus.Fields{"interface": iface.Name, "role": iface.Role, "addr": iface.Addr, "net": "tcp"}).Info("dns listener starting")
			if err := tcpSrv.ListenAndServe(); err != nil {
				return errors.Wrapf(err, "dns listener %s (%s/tcp)", iface.Name, iface.Addr)
			}
			return nil
		})
	}

	if e.cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(map[string]metrics.PoolStater{
			"circularpool": e.CircularPool,
			"servicepool":  e.ServicePool,
		}, e.Reservations))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		e.metricsSrv = &http.Server{Addr: e.cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			log.WithField("addr", e.cfg.MetricsAddr).Info("metrics listener starting")
			if err := e.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "metrics listener")
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				e.Reservations.SweepExpired(now)
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		return e.shutdown()
	})

	return g.Wait()
}

func (e *Engine) shutdown() error {
	log.Info("shutting down")
	for _, srv := range e.servers {
		_ = srv.Shutdown()
	}
	if e.metricsSrv != nil {
		_ = e.metricsSrv.Shutdown(context.Background())
	}
	return e.sink.Close()
}

// handler builds the miekg/dns handler bound to role, dispatching UPDATE
// opcodes to DDNS registration and everything else to the resolver
// matrix (spec §4.4, §6).
func (e *Engine) handler(role config.Role) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		if r.Opcode == dns.OpcodeUpdate {
			resp := e.Frontend.HandleUpdate(r, e.policy)
			_ = w.WriteMsg(resp)
			return
		}

		resp := e.Frontend.Handle(role, r, w.RemoteAddr())
		if resp == nil {
			return
		}
		_ = w.WriteMsg(resp)
	}
}
