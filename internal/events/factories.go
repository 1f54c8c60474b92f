package events

import (
	"bytes"
	"errors"
	"fmt"
	"net"
)

// SymbolResolver maps probe addresses back to symbol names.
type SymbolResolver interface {
	SymbolName(addr uint64) (string, bool)
}

// ReasonResolver maps drop reason values to their names.
type ReasonResolver interface {
	ReasonName(reason int32) (string, bool)
}

func resolve(symbols SymbolResolver, addr uint64) string {
	if symbols != nil {
		if name, ok := symbols.SymbolName(addr); ok {
			return name
		}
	}
	return fmt.Sprintf("0x%x", addr)
}

// single returns the only section of a type, as most types have no
// variants.
func single(sections []RawSection) (RawSection, error) {
	if len(sections) != 1 || sections[0].Instance != InstanceDefault {
		return RawSection{}, fmt.Errorf("%w: unexpected %s section instances", ErrReadFailure, sections[0].Type)
	}
	return sections[0], nil
}

func decodeCommon(sections []RawSection, ev *Event) error {
	s, err := single(sections)
	if err != nil {
		return err
	}
	var raw CommonSection
	if err := decodePayload(s, &raw); err != nil {
		return err
	}
	ev.Common = CommonEvent{
		Timestamp: raw.Timestamp,
		CPU:       raw.CPU,
		PID:       raw.PID,
		TGID:      raw.TGID,
	}
	return nil
}

// KernelFactory decodes KERNEL sections.
type KernelFactory struct {
	Symbols SymbolResolver
}

func (f *KernelFactory) Decode(sections []RawSection, ev *Event) error {
	s, err := single(sections)
	if err != nil {
		return err
	}
	var raw KernelSection
	if err := decodePayload(s, &raw); err != nil {
		return err
	}

	probeType := "unknown"
	switch raw.ProbeType {
	case ProbeTypeKprobe:
		probeType = "kprobe"
	case ProbeTypeKretprobe:
		probeType = "kretprobe"
	case ProbeTypeRawTracepoint:
		probeType = "raw_tracepoint"
	}

	ev.Kernel = &KernelEvent{
		Symbol:    resolve(f.Symbols, raw.Symbol),
		Addr:      raw.Symbol,
		ProbeType: probeType,
	}
	return nil
}

// UserFactory decodes USERSPACE sections.
type UserFactory struct {
	Symbols SymbolResolver
}

func (f *UserFactory) Decode(sections []RawSection, ev *Event) error {
	s, err := single(sections)
	if err != nil {
		return err
	}
	var raw UserSection
	if err := decodePayload(s, &raw); err != nil {
		return err
	}

	eventType := "unknown"
	if raw.EventType == UserEventUsdt {
		eventType = "usdt"
	}
	ev.Userspace = &UserEvent{
		Symbol:    resolve(f.Symbols, raw.Symbol),
		Addr:      raw.Symbol,
		PID:       raw.PID,
		EventType: eventType,
	}
	return nil
}

// SkbTrackingFactory decodes SKB_TRACKING sections.
func SkbTrackingFactory() SectionFactory {
	return SectionFactoryFunc(func(sections []RawSection, ev *Event) error {
		s, err := single(sections)
		if err != nil {
			return err
		}
		var raw SkbTrackingSection
		if err := decodePayload(s, &raw); err != nil {
			return err
		}
		ev.SkbTracking = &SkbTrackingEvent{
			ID:        raw.ID,
			OrigHead:  raw.OrigHead,
			Timestamp: raw.Timestamp,
			Skb:       raw.Skb,
		}
		return nil
	})
}

// SkbDropFactory decodes SKB_DROP sections. reasons may be nil.
func SkbDropFactory(reasons ReasonResolver) SectionFactory {
	return SectionFactoryFunc(func(sections []RawSection, ev *Event) error {
		s, err := single(sections)
		if err != nil {
			return err
		}
		var raw SkbDropSection
		if err := decodePayload(s, &raw); err != nil {
			return err
		}
		drop := &SkbDropEvent{Reason: raw.Reason}
		if reasons != nil {
			drop.ReasonName, _ = reasons.ReasonName(raw.Reason)
		}
		ev.SkbDrop = drop
		return nil
	})
}

// SkbFactory decodes the SKB section instances.
func SkbFactory() SectionFactory {
	return SectionFactoryFunc(decodeSkb)
}

func decodeSkb(sections []RawSection, ev *Event) error {
	skb := &SkbEvent{}
	var (
		errs    []error
		decoded bool
	)
	for _, s := range sections {
		switch s.Instance {
		case SkbInstanceEth:
			var raw SkbEthSection
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			skb.Eth = &SkbEthEvent{
				Src:       net.HardwareAddr(raw.Src[:]).String(),
				Dst:       net.HardwareAddr(raw.Dst[:]).String(),
				EtherType: raw.EtherType,
			}
		case SkbInstanceIPv4:
			var raw SkbIPv4Section
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			skb.IP = &SkbIPEvent{
				Version:  4,
				Src:      net.IP(raw.Src[:]).String(),
				Dst:      net.IP(raw.Dst[:]).String(),
				Len:      raw.Len,
				Protocol: raw.Protocol,
				TTL:      raw.TTL,
			}
		case SkbInstanceIPv6:
			var raw SkbIPv6Section
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			skb.IP = &SkbIPEvent{
				Version:  6,
				Src:      net.IP(raw.Src[:]).String(),
				Dst:      net.IP(raw.Dst[:]).String(),
				Len:      raw.Len,
				Protocol: raw.NextHeader,
				TTL:      raw.HopLimit,
			}
		case SkbInstanceTCP:
			var raw SkbTCPSection
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			skb.TCP = &SkbTCPEvent{
				Sport:  raw.Sport,
				Dport:  raw.Dport,
				Seq:    raw.Seq,
				Ack:    raw.Ack,
				Window: raw.Window,
				Flags:  raw.Flags,
			}
		case SkbInstanceUDP:
			var raw SkbUDPSection
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			skb.UDP = &SkbUDPEvent{Sport: raw.Sport, Dport: raw.Dport, Len: raw.Len}
		case SkbInstanceICMP:
			var raw SkbICMPSection
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			skb.ICMP = &SkbICMPEvent{Type: raw.Type, Code: raw.Code}
		case SkbInstanceDev:
			var raw SkbDevSection
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			skb.Dev = &SkbDevEvent{
				Name:      cString(raw.Name[:]),
				Ifindex:   raw.Ifindex,
				RxIfindex: raw.RxIfindex,
			}
		case SkbInstanceNs:
			var raw SkbNsSection
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			skb.Netns = &SkbNetnsEvent{Netns: raw.Netns}
		case SkbInstanceDataRef:
			var raw SkbDataRefSection
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			skb.DataRef = &SkbDataRefEvent{
				Nohdr:   raw.Nohdr != 0,
				Cloned:  raw.Cloned != 0,
				Fclone:  raw.Fclone,
				Users:   raw.Users,
				Dataref: raw.Dataref,
			}
		default:
			errs = append(errs, fmt.Errorf("%w: unknown skb instance %d", ErrReadFailure, s.Instance))
			continue
		}
		decoded = true
	}
	if decoded {
		ev.Skb = skb
	}
	return errors.Join(errs...)
}

// OvsFactory decodes the OVS section instances.
func OvsFactory() SectionFactory {
	return SectionFactoryFunc(decodeOvs)
}

func decodeOvs(sections []RawSection, ev *Event) error {
	ovs := &OvsEvent{}
	var (
		errs    []error
		decoded bool
	)
	for _, s := range sections {
		switch s.Instance {
		case OvsInstanceUpcall:
			var raw OvsUpcallSection
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			ovs.Upcall = &OvsUpcallEvent{Cmd: raw.Cmd, Port: raw.Port, CPU: raw.CPU}
		case OvsInstanceOpExec:
			var raw OvsOpExecSection
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			ovs.OpExec = &OvsOpExecEvent{Queue: raw.Queue, PktSize: raw.PktSize}
		case OvsInstanceExec:
			var raw OvsExecSection
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			ovs.Exec = &OvsExecEvent{Skb: raw.Skb, Recirc: raw.Recirc}
		case OvsInstanceFlowLookup:
			var raw OvsFlowLookupSection
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			ovs.FlowLookup = &OvsFlowLookupEvent{
				Flow:         raw.Flow,
				SfActs:       raw.SfActs,
				Ufid:         raw.Ufid,
				NMaskHit:     raw.NMaskHit,
				NCacheHit:    raw.NCacheHit,
				SkbOrigHead:  raw.SkbOrigHead,
				SkbTimestamp: raw.SkbTimestamp,
				Skb:          raw.Skb,
			}
		case OvsInstanceExecCmd:
			var raw OvsExecCmdSection
			if err := decodePayload(s, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			ovs.ExecCmd = &OvsExecCmdEvent{Skb: raw.Skb, Port: raw.Port}
		default:
			errs = append(errs, fmt.Errorf("%w: unknown ovs instance %d", ErrReadFailure, s.Instance))
			continue
		}
		decoded = true
	}
	if decoded {
		ev.Ovs = ovs
	}
	return errors.Join(errs...)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
