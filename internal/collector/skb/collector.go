// Package skb reports packet headers and socket buffer metadata.
package skb

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/amorenoz/packet-tracer/internal/builder"
	"github.com/amorenoz/packet-tracer/internal/collector"
	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/probe"
)

const Name = "skb"

// Section selects a part of the packet to report.
type Section uint

const (
	SectionEth Section = 1 << iota
	SectionIPv4
	SectionIPv6
	SectionTCP
	SectionUDP
	SectionICMP
	SectionDev
	SectionNs
	SectionDataRef

	SectionAll = SectionEth | SectionIPv4 | SectionIPv6 | SectionTCP | SectionUDP |
		SectionICMP | SectionDev | SectionNs | SectionDataRef
)

var sectionNames = map[string]Section{
	"eth":     SectionEth,
	"l2":      SectionEth,
	"ipv4":    SectionIPv4,
	"ipv6":    SectionIPv6,
	"l3":      SectionIPv4 | SectionIPv6,
	"tcp":     SectionTCP,
	"udp":     SectionUDP,
	"icmp":    SectionICMP,
	"dev":     SectionDev,
	"ns":      SectionNs,
	"dataref": SectionDataRef,
	"all":     SectionAll,
}

// ParseSections reads a list of section names.
func ParseSections(names []string) (Section, error) {
	var s Section
	for _, name := range names {
		bit, ok := sectionNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown skb section %q", name)
		}
		s |= bit
	}
	return s, nil
}

// Collector implements collector.Collector.
type Collector struct {
	sections Section
	parsers  sync.Pool
}

// New returns the skb collector reporting sections.
func New(sections Section) *Collector {
	if sections == 0 {
		sections = SectionAll
	}
	c := &Collector{sections: sections}
	c.parsers.New = func() any { return newParser() }
	return c
}

func (c *Collector) Name() string { return Name }

func (c *Collector) Init(_ *collector.Deps, probes *probe.Manager) error {
	return probes.RegisterKernelHook(probe.Hook{
		Name:   Name,
		Func:   c.hook,
		Object: "skb_hook.o",
	})
}

func (c *Collector) Start(context.Context) error { return nil }

func (c *Collector) Stop() error { return nil }

func (c *Collector) SectionFactories() map[events.SectionType]events.SectionFactory {
	return map[events.SectionType]events.SectionFactory{
		events.SectionSkb: events.SkbFactory(),
	}
}

// parser holds the decoding state of one hook invocation.
type parser struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	icmp4   layers.ICMPv4
	icmp6   layers.ICMPv6
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newParser() *parser {
	p := &parser{decoded: make([]gopacket.LayerType, 0, 8)}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&p.eth, &p.ip4, &p.ip6, &p.tcp, &p.udp, &p.icmp4, &p.icmp6, &p.payload)
	p.parser.IgnoreUnsupported = true
	return p
}

func (c *Collector) hook(ctx *probe.Context, ev *builder.Handle) error {
	if ctx.Skb == nil || !ev.Valid() {
		return nil
	}

	var errs []error
	if len(ctx.Skb.Data) > 0 {
		if err := c.putHeaders(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.putMetadata(ctx, ev); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("skb %#x: %w", ctx.Skb.Addr, errs[0])
	}
	return nil
}

func (c *Collector) putHeaders(ctx *probe.Context, ev *builder.Handle) error {
	p, _ := c.parsers.Get().(*parser)
	defer c.parsers.Put(p)

	// Layers decoded before a failure are still reported.
	parseErr := p.parser.DecodeLayers(ctx.Skb.Data, &p.decoded)

	for _, lt := range p.decoded {
		var err error
		switch lt {
		case layers.LayerTypeEthernet:
			if c.sections&SectionEth != 0 {
				s := events.SkbEthSection{EtherType: uint16(p.eth.EthernetType)}
				copy(s.Src[:], p.eth.SrcMAC)
				copy(s.Dst[:], p.eth.DstMAC)
				err = ev.Put(events.SectionSkb, events.SkbInstanceEth, &s)
			}
		case layers.LayerTypeIPv4:
			if c.sections&SectionIPv4 != 0 {
				s := events.SkbIPv4Section{
					Len:      p.ip4.Length,
					Protocol: uint8(p.ip4.Protocol),
					TTL:      p.ip4.TTL,
				}
				copy(s.Src[:], p.ip4.SrcIP.To4())
				copy(s.Dst[:], p.ip4.DstIP.To4())
				err = ev.Put(events.SectionSkb, events.SkbInstanceIPv4, &s)
			}
		case layers.LayerTypeIPv6:
			if c.sections&SectionIPv6 != 0 {
				s := events.SkbIPv6Section{
					Len:        p.ip6.Length,
					NextHeader: uint8(p.ip6.NextHeader),
					HopLimit:   p.ip6.HopLimit,
				}
				copy(s.Src[:], p.ip6.SrcIP.To16())
				copy(s.Dst[:], p.ip6.DstIP.To16())
				err = ev.Put(events.SectionSkb, events.SkbInstanceIPv6, &s)
			}
		case layers.LayerTypeTCP:
			if c.sections&SectionTCP != 0 {
				err = ev.Put(events.SectionSkb, events.SkbInstanceTCP, &events.SkbTCPSection{
					Sport:  uint16(p.tcp.SrcPort),
					Dport:  uint16(p.tcp.DstPort),
					Seq:    p.tcp.Seq,
					Ack:    p.tcp.Ack,
					Window: p.tcp.Window,
					Flags:  tcpFlags(&p.tcp),
				})
			}
		case layers.LayerTypeUDP:
			if c.sections&SectionUDP != 0 {
				err = ev.Put(events.SectionSkb, events.SkbInstanceUDP, &events.SkbUDPSection{
					Sport: uint16(p.udp.SrcPort),
					Dport: uint16(p.udp.DstPort),
					Len:   p.udp.Length,
				})
			}
		case layers.LayerTypeICMPv4:
			if c.sections&SectionICMP != 0 {
				err = ev.Put(events.SectionSkb, events.SkbInstanceICMP, &events.SkbICMPSection{
					Type: p.icmp4.TypeCode.Type(),
					Code: p.icmp4.TypeCode.Code(),
				})
			}
		case layers.LayerTypeICMPv6:
			if c.sections&SectionICMP != 0 {
				err = ev.Put(events.SectionSkb, events.SkbInstanceICMP, &events.SkbICMPSection{
					Type: p.icmp6.TypeCode.Type(),
					Code: p.icmp6.TypeCode.Code(),
				})
			}
		}
		if err != nil {
			return err
		}
	}

	if parseErr != nil {
		return fmt.Errorf("%w: %v", events.ErrReadFailure, parseErr)
	}
	return nil
}

func (c *Collector) putMetadata(ctx *probe.Context, ev *builder.Handle) error {
	b := ctx.Skb

	if c.sections&SectionDev != 0 && (b.Dev != "" || b.Ifindex != 0) {
		s := events.SkbDevSection{Ifindex: b.Ifindex, RxIfindex: b.RxIfindex}
		copy(s.Name[:len(s.Name)-1], b.Dev)
		if err := ev.Put(events.SectionSkb, events.SkbInstanceDev, &s); err != nil {
			return err
		}
	}

	if c.sections&SectionNs != 0 && b.Netns != 0 {
		if err := ev.Put(events.SectionSkb, events.SkbInstanceNs, &events.SkbNsSection{Netns: b.Netns}); err != nil {
			return err
		}
	}

	if c.sections&SectionDataRef != 0 {
		if err := ev.Put(events.SectionSkb, events.SkbInstanceDataRef, &events.SkbDataRefSection{
			Nohdr:   boolByte(b.Nohdr),
			Cloned:  boolByte(b.Cloned),
			Fclone:  b.Fclone,
			Users:   b.Users,
			Dataref: b.Dataref(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	for _, flag := range []struct {
		set bool
		bit uint8
	}{
		{t.FIN, events.TCPFlagFIN},
		{t.SYN, events.TCPFlagSYN},
		{t.RST, events.TCPFlagRST},
		{t.PSH, events.TCPFlagPSH},
		{t.ACK, events.TCPFlagACK},
		{t.URG, events.TCPFlagURG},
		{t.ECE, events.TCPFlagECE},
		{t.CWR, events.TCPFlagCWR},
	} {
		if flag.set {
			f |= flag.bit
		}
	}
	return f
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
