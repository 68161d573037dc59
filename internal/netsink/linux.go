package netsink

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	nfqueue "github.com/florianl/go-nfqueue"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

var log = logrus.WithField("component", "netsink")

// LinuxSink is the concrete NetworkSink adapter: it receives verdict
// requests over an NFQUEUE netlink socket, and uses netlink to make sure
// pool addresses are actually present on the public interface.
// RegisterQueue creates the RGW-CIRCULARPOOL filter chain, but no exported
// method adds rules to it or a jump into it from a built-in chain, so
// packets reach the queue only through iptables rules set up elsewhere.
type LinuxSink struct {
	mu      sync.Mutex
	iface   string
	ipt     *iptables.IPTables
	queues  map[uint16]*nfqueue.Nfqueue
	rules   [][]string // installed iptables rules, for Close() teardown
}

// NewLinuxSink builds a sink that programs NFQUEUE rules on iface (the
// public-facing interface carrying the Circular Pool / Service Pool
// addresses).
func NewLinuxSink(iface string) (*LinuxSink, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, errors.Wrap(err, "netsink: init iptables")
	}
	return &LinuxSink{
		iface:  iface,
		ipt:    ipt,
		queues: make(map[uint16]*nfqueue.Nfqueue),
	}, nil
}

// EnsurePoolAddress adds addr to the public interface if it is not
// already present. It does not install an NFQUEUE rule for addr.
func (s *LinuxSink) EnsurePoolAddress(addr net.IP) error {
	link, err := netlink.LinkByName(s.iface)
	if err != nil {
		return errors.Wrapf(err, "netsink: lookup interface %s", s.iface)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return errors.Wrap(err, "netsink: list addresses")
	}
	for _, a := range addrs {
		if a.IP.Equal(addr) {
			return nil
		}
	}

	nlAddr := &netlink.Addr{IPNet: &net.IPNet{IP: addr, Mask: net.CIDRMask(32, 32)}}
	if err := netlink.AddrAdd(link, nlAddr); err != nil {
		return errors.Wrapf(err, "netsink: add address %s to %s", addr, s.iface)
	}
	log.WithFields(logrus.Fields{"addr": addr, "iface": s.iface}).Info("bound pool address to interface")
	return nil
}

// installRule programs an NFQUEUE jump for packets destined to addr.
func (s *LinuxSink) installRule(addr net.IP, queueNum uint16) error {
	rule := []string{"-d", addr.String(), "-j", "NFQUEUE", "--queue-num", fmt.Sprintf("%d", queueNum)}
	if err := s.ipt.AppendUnique("filter", "RGW-CIRCULARPOOL", rule...); err != nil {
		return errors.Wrapf(err, "netsink: install NFQUEUE rule for %s", addr)
	}
	s.mu.Lock()
	s.rules = append(s.rules, rule)
	s.mu.Unlock()
	return nil
}

// RegisterQueue binds handler to an NFQUEUE socket at queueNum and
// installs the chain that jumps traffic into it.
func (s *LinuxSink) RegisterQueue(queueNum uint16, handler Handler) error {
	if err := s.ipt.NewChain("filter", "RGW-CIRCULARPOOL"); err != nil {
		log.WithError(err).Debug("RGW-CIRCULARPOOL chain already exists")
	}

	cfg := nfqueue.Config{
		NfQueue:      queueNum,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  0xFF,
		Copymode:     nfqueue.NfQnlCopyPacket,
	}
	q, err := nfqueue.Open(&cfg)
	if err != nil {
		return errors.Wrapf(err, "netsink: open nfqueue %d", queueNum)
	}

	fn := func(a nfqueue.Attribute) int {
		handler(&linuxPacket{q: q, id: *a.PacketID, payload: *a.Payload})
		return 0
	}
	if err := q.RegisterWithErrorFunc(context.Background(), fn, func(err error) int {
		log.WithError(err).Warn("nfqueue error")
		return 0
	}); err != nil {
		return errors.Wrapf(err, "netsink: register nfqueue %d callback", queueNum)
	}

	s.mu.Lock()
	s.queues[queueNum] = q
	s.mu.Unlock()
	return nil
}

// Close tears down every NFQUEUE socket and installed iptables rule.
func (s *LinuxSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		_ = q.Close()
	}
	for _, rule := range s.rules {
		_ = s.ipt.Delete("filter", "RGW-CIRCULARPOOL", rule...)
	}
	return nil
}

// linuxPacket adapts one NFQUEUE-delivered packet to the Packet
// interface. DNAT is applied in userspace by rewriting the destination
// address in the raw payload before re-injecting it with a verdict,
// since NFQUEUE itself has no native DNAT verdict.
type linuxPacket struct {
	q         *nfqueue.Nfqueue
	id        uint32
	payload   []byte
	rewritten bool
}

func (p *linuxPacket) Payload() []byte { return p.payload }

func (p *linuxPacket) Accept() error {
	if p.rewritten {
		return p.q.SetVerdictModPacket(p.id, nfqueue.NfAccept, p.payload)
	}
	return p.q.SetVerdict(p.id, nfqueue.NfAccept)
}

func (p *linuxPacket) Drop() error {
	return p.q.SetVerdict(p.id, nfqueue.NfDrop)
}

func (p *linuxPacket) SetMark(mark uint32) error {
	return p.q.SetVerdictWithMark(p.id, nfqueue.NfAccept, int(mark))
}

// ipv4DstOffset is the byte offset of the destination address in an
// IPv4 header with no options.
const ipv4DstOffset = 16

func (p *linuxPacket) DNAT(newDst net.IP) error {
	if len(p.payload) < ipv4DstOffset+4 {
		return errors.New("netsink: payload too short for IPv4 DNAT")
	}
	v4 := newDst.To4()
	if v4 == nil {
		return errors.New("netsink: DNAT target is not IPv4")
	}
	copy(p.payload[ipv4DstOffset:ipv4DstOffset+4], v4)
	recomputeIPv4Checksum(p.payload)
	p.rewritten = true
	return nil
}

// recomputeIPv4Checksum recomputes the IPv4 header checksum in place
// after the destination address has been rewritten.
func recomputeIPv4Checksum(b []byte) {
	if len(b) < 20 {
		return
	}
	ihl := int(b[0]&0x0f) * 4
	if len(b) < ihl {
		return
	}
	b[10], b[11] = 0, 0
	var sum uint32
	for i := 0; i+1 < ihl; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	chk := ^uint16(sum)
	b[10] = byte(chk >> 8)
	b[11] = byte(chk)
}
