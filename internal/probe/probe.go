// Package probe registers probes and their hooks, and dispatches probe hits
// to the hooks through the event builder.
package probe

import (
	"fmt"
	"strings"

	"github.com/amorenoz/packet-tracer/internal/events"
)

// Kind is the type of attachment point.
type Kind int

const (
	Kprobe Kind = iota
	Kretprobe
	RawTracepoint
	Usdt
)

func (k Kind) String() string {
	switch k {
	case Kprobe:
		return "kprobe"
	case Kretprobe:
		return "kretprobe"
	case RawTracepoint:
		return "tp"
	case Usdt:
		return "usdt"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Kernel reports whether the probe lives in the kernel. Only kernel probes
// accept generic hooks.
func (k Kind) Kernel() bool {
	return k == Kprobe || k == Kretprobe || k == RawTracepoint
}

// ProbeType returns the KERNEL section probe type.
func (k Kind) ProbeType() uint8 {
	switch k {
	case Kretprobe:
		return events.ProbeTypeKretprobe
	case RawTracepoint:
		return events.ProbeTypeRawTracepoint
	default:
		return events.ProbeTypeKprobe
	}
}

// UsdtTarget locates a USDT probe.
type UsdtTarget struct {
	Path     string
	Provider string
	Name     string
}

// Probe is an attachment point.
type Probe struct {
	Kind Kind
	// Symbol is the kernel function for kprobes, "group:name" for raw
	// tracepoints and "provider::name" for USDT probes.
	Symbol string
	// Usdt is set for USDT probes only.
	Usdt *UsdtTarget
}

// NewKprobe returns a kprobe on symbol.
func NewKprobe(symbol string) Probe { return Probe{Kind: Kprobe, Symbol: symbol} }

// NewKretprobe returns a kretprobe on symbol.
func NewKretprobe(symbol string) Probe { return Probe{Kind: Kretprobe, Symbol: symbol} }

// NewRawTracepoint returns a raw tracepoint probe on "group:name".
func NewRawTracepoint(tp string) (Probe, error) {
	group, name, ok := strings.Cut(tp, ":")
	if !ok || group == "" || name == "" {
		return Probe{}, fmt.Errorf("invalid tracepoint %q, expected group:name", tp)
	}
	return Probe{Kind: RawTracepoint, Symbol: tp}, nil
}

// NewUsdt returns a USDT probe in the binary at path.
func NewUsdt(path, provider, name string) (Probe, error) {
	if path == "" || provider == "" || name == "" {
		return Probe{}, fmt.Errorf("invalid usdt probe %s:%s::%s", path, provider, name)
	}
	return Probe{
		Kind:   Usdt,
		Symbol: provider + "::" + name,
		Usdt:   &UsdtTarget{Path: path, Provider: provider, Name: name},
	}, nil
}

// Key uniquely identifies the attachment point.
func (p Probe) Key() string {
	if p.Kind == Usdt && p.Usdt != nil {
		return fmt.Sprintf("%s:%s:%s", p.Kind, p.Usdt.Path, p.Symbol)
	}
	return fmt.Sprintf("%s:%s", p.Kind, p.Symbol)
}

func (p Probe) String() string {
	return p.Key()
}

// TracepointName returns the name part of a raw tracepoint.
func (p Probe) TracepointName() string {
	_, name, _ := strings.Cut(p.Symbol, ":")
	return name
}

// Parse reads a probe description:
//
//	kprobe:<symbol>
//	kretprobe:<symbol>
//	tp:<group>:<name>
//	usdt:<path>:<provider>::<name>
//
// A bare symbol is a kprobe.
func Parse(s string) (Probe, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		if s == "" {
			return Probe{}, fmt.Errorf("empty probe")
		}
		return NewKprobe(s), nil
	}

	switch kind {
	case "kprobe", "k":
		if rest == "" {
			return Probe{}, fmt.Errorf("invalid probe %q: no symbol", s)
		}
		return NewKprobe(rest), nil
	case "kretprobe", "kr":
		if rest == "" {
			return Probe{}, fmt.Errorf("invalid probe %q: no symbol", s)
		}
		return NewKretprobe(rest), nil
	case "tp", "raw_tracepoint":
		return NewRawTracepoint(rest)
	case "usdt", "u":
		path, target, ok := strings.Cut(rest, ":")
		if !ok {
			return Probe{}, fmt.Errorf("invalid probe %q: expected usdt:<path>:<provider>::<name>", s)
		}
		provider, name, ok := strings.Cut(target, "::")
		if !ok {
			return Probe{}, fmt.Errorf("invalid probe %q: expected usdt:<path>:<provider>::<name>", s)
		}
		return NewUsdt(path, provider, name)
	default:
		// Tracepoint without its type, e.g. skb:kfree_skb.
		if !strings.Contains(rest, ":") && rest != "" {
			return NewRawTracepoint(s)
		}
		return Probe{}, fmt.Errorf("invalid probe %q: unknown type %q", s, kind)
	}
}
