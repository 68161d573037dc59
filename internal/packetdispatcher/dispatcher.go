// Package packetdispatcher implements C5, the per-packet callback
// invoked by the kernel queue for traffic destined to a pool address: it
// matches the reservation key-ladder, DNATs to the private host, and
// retires the reservation (spec §4.5).
package packetdispatcher

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/jllorente/realmgateway/internal/netsink"
	"github.com/jllorente/realmgateway/internal/reservation"
)

var log = logrus.WithField("component", "packetdispatcher")

// Dispatcher wires a netsink.Sink's packet callback to a
// reservation.Table's key-ladder lookup.
type Dispatcher struct {
	table *reservation.Table
}

// New builds a Dispatcher over table.
func New(table *reservation.Table) *Dispatcher {
	return &Dispatcher{table: table}
}

// fiveTuple is the parsed subset of a packet the key-ladder needs.
type fiveTuple struct {
	src, dst     net.IP
	sport, dport uint16
	protocol     uint8
}

// parsePacket decodes an IPv4 packet's 5-tuple, defaulting sport/dport to
// 0 for protocols without ports (spec §4.5 step 1). It returns false for
// truncated or non-IPv4 payloads rather than erroring, matching the
// "parsing must be robust" requirement.
func parsePacket(raw []byte) (fiveTuple, bool) {
	packet := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return fiveTuple{}, false
	}
	ip, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return fiveTuple{}, false
	}

	ft := fiveTuple{src: ip.SrcIP, dst: ip.DstIP, protocol: uint8(ip.Protocol)}

	switch ip.Protocol {
	case layers.IPProtocolTCP:
		if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
			tcp := tcpLayer.(*layers.TCP)
			ft.sport, ft.dport = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		}
	case layers.IPProtocolUDP:
		if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
			udp := udpLayer.(*layers.UDP)
			ft.sport, ft.dport = uint16(udp.SrcPort), uint16(udp.DstPort)
		}
	case layers.IPProtocolSCTP:
		if sctpLayer := packet.Layer(layers.LayerTypeSCTP); sctpLayer != nil {
			sctp := sctpLayer.(*layers.SCTP)
			ft.sport, ft.dport = uint16(sctp.SrcPort), uint16(sctp.DstPort)
		}
	default:
		// sport/dport stay 0 for protocols without a port concept.
	}

	if packet.ErrorLayer() != nil {
		// Truncated/malformed transport header: we still have a valid
		// IP header, so fall back to IP-only matching (sport/dport 0)
		// rather than dropping outright.
		log.WithError(packet.ErrorLayer().Error()).Debug("truncated transport header")
	}

	return ft, true
}

// OnPacket is the netsink.Handler bound to the kernel queue for pool
// addresses. It must complete synchronously (spec §5).
func (d *Dispatcher) OnPacket(pkt netsink.Packet) {
	ft, ok := parsePacket(pkt.Payload())
	if !ok {
		log.Debug("dropping unparsable packet")
		_ = pkt.Drop()
		return
	}

	r, ok := d.table.MatchPacket(ft.dst, ft.dport, ft.src, ft.sport, ft.protocol)
	if !ok {
		log.WithFields(logrus.Fields{
			"dst": ft.dst, "dport": ft.dport, "src": ft.src, "sport": ft.sport, "proto": ft.protocol,
		}).Info("no reservation matched packet")
		_ = pkt.Drop()
		return
	}

	if err := pkt.DNAT(r.PrivateIP); err != nil {
		log.WithError(err).Warn("DNAT failed")
		_ = pkt.Drop()
		return
	}
	if err := pkt.Accept(); err != nil {
		log.WithError(err).Warn("accept failed after DNAT")
		return
	}

	log.WithFields(logrus.Fields{"reservation": r.String(), "private_ip": r.PrivateIP}).Info("DNAT applied")

	if r.PostProcess(d.table, ft.src, ft.sport) == reservation.Consume {
		d.table.Remove(r)
	}
}
