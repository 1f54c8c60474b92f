// Package skbdrop reports why packets are dropped.
package skbdrop

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cilium/ebpf/btf"

	"github.com/amorenoz/packet-tracer/internal/builder"
	"github.com/amorenoz/packet-tracer/internal/collector"
	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/probe"
)

const Name = "skb-drop"

// KfreeSkb is the tracepoint hit when a packet is dropped. Its third
// argument is the drop reason.
var KfreeSkb = probe.Probe{Kind: probe.RawTracepoint, Symbol: "skb:kfree_skb"}

const reasonArg = 2

// Collector implements collector.Collector.
type Collector struct {
	reasons *Reasons
}

// New returns the skb-drop collector. reasons may be nil, in which case
// reason names are read from the kernel BTF on first use.
func New(reasons *Reasons) *Collector {
	if reasons == nil {
		reasons = KernelReasons()
	}
	return &Collector{reasons: reasons}
}

func (c *Collector) Name() string { return Name }

func (c *Collector) Init(_ *collector.Deps, probes *probe.Manager) error {
	return probes.RegisterHookTo(probe.Hook{
		Name:   Name,
		Func:   c.hook,
		Object: "skb_drop_hook.o",
	}, KfreeSkb)
}

func (c *Collector) Start(context.Context) error { return nil }

func (c *Collector) Stop() error { return nil }

func (c *Collector) SectionFactories() map[events.SectionType]events.SectionFactory {
	return map[events.SectionType]events.SectionFactory{
		events.SectionSkbDrop: events.SkbDropFactory(c.reasons),
	}
}

func (c *Collector) hook(ctx *probe.Context, ev *builder.Handle) error {
	if !ev.Valid() {
		return nil
	}
	reason := int32(ctx.Arg(reasonArg)) //nolint:gosec // enum values fit
	if ctx.Skb != nil && ctx.Skb.DropReason != 0 {
		reason = ctx.Skb.DropReason
	}
	return ev.Put(events.SectionSkbDrop, events.InstanceDefault, &events.SkbDropSection{Reason: reason})
}

const reasonPrefix = "SKB_DROP_REASON_"

// Reasons resolves drop reasons to their name.
type Reasons struct {
	once  sync.Once
	load  func() (map[int32]string, error)
	names map[int32]string
	err   error
}

// KernelReasons reads the names from the skb_drop_reason enum of the
// running kernel.
func KernelReasons() *Reasons {
	return &Reasons{load: loadKernelReasons}
}

// StaticReasons uses a fixed table.
func StaticReasons(names map[int32]string) *Reasons {
	return &Reasons{load: func() (map[int32]string, error) { return names, nil }}
}

func loadKernelReasons() (map[int32]string, error) {
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		return nil, fmt.Errorf("loading kernel BTF: %w", err)
	}
	var enum *btf.Enum
	if err := spec.TypeByName("skb_drop_reason", &enum); err != nil {
		return nil, fmt.Errorf("looking up skb_drop_reason: %w", err)
	}
	return ReasonsFromEnum(enum), nil
}

// ReasonsFromEnum builds the name table from the BTF enum, without the
// SKB_DROP_REASON_ prefix.
func ReasonsFromEnum(enum *btf.Enum) map[int32]string {
	names := make(map[int32]string, len(enum.Values))
	for _, v := range enum.Values {
		names[int32(v.Value)] = strings.TrimPrefix(v.Name, reasonPrefix) //nolint:gosec // enum values fit
	}
	return names
}

// Err returns the error met loading the names, if any.
func (r *Reasons) Err() error {
	r.once.Do(r.init)
	return r.err
}

func (r *Reasons) init() {
	r.names, r.err = r.load()
}

// ReasonName implements events.ReasonResolver.
func (r *Reasons) ReasonName(reason int32) (string, bool) {
	r.once.Do(r.init)
	name, ok := r.names[reason]
	return name, ok
}
