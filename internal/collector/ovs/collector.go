// Package ovs follows packets through Open vSwitch, from the kernel
// datapath upcalls to the flow executions requested by ovs-vswitchd.
package ovs

import (
	"context"
	"errors"
	"fmt"

	"github.com/amorenoz/packet-tracer/internal/builder"
	"github.com/amorenoz/packet-tracer/internal/collector"
	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/inflight"
	"github.com/amorenoz/packet-tracer/internal/probe"
	"github.com/amorenoz/packet-tracer/internal/tracking"
)

const (
	Name = "ovs"

	// KindExec spans ovs_execute_actions.
	KindExec inflight.Kind = "ovs-exec"
	// KindExecCmd spans ovs_packet_cmd_execute.
	KindExecCmd inflight.Kind = "ovs-exec-cmd"

	// DefaultBinary is where ovs-vswitchd is looked up.
	DefaultBinary = "/usr/sbin/ovs-vswitchd"
)

// Kernel probes of the collector.
var (
	DpUpcall          = probe.NewKprobe("ovs_dp_upcall")
	ExecuteActions    = probe.NewKprobe("ovs_execute_actions")
	ExecuteActionsRet = probe.NewKretprobe("ovs_execute_actions")
	FlowLookupRet     = probe.NewKretprobe("ovs_flow_tbl_lookup_stats")
	PacketCmdExec     = probe.NewKprobe("ovs_packet_cmd_execute")
	PacketCmdExecRet  = probe.NewKretprobe("ovs_packet_cmd_execute")
)

// Probe arguments, carried in probe.Context.Data.
type (
	// Upcall is the upcall info of ovs_dp_upcall.
	Upcall struct {
		Cmd  uint8
		Port uint32
		CPU  uint32
	}
	// OpExec describes the execute operation sent by ovs-vswitchd.
	OpExec struct {
		Queue   uint32
		PktSize uint32
	}
	// Exec is the recirculation id of ovs_execute_actions.
	Exec struct {
		Recirc uint32
	}
	// FlowLookup is the flow returned by ovs_flow_tbl_lookup_stats.
	FlowLookup struct {
		Flow      uint64
		SfActs    uint64
		Ufid      [4]uint32
		NMaskHit  uint32
		NCacheHit uint32
	}
	// ExecCmd is the input port of an execute command.
	ExecCmd struct {
		Port uint32
	}
)

// execState is kept while ovs_execute_actions runs.
type execState struct {
	Skb  uint64
	Head uint64
}

// Config selects the ovs-vswitchd binary.
type Config struct {
	Binary string
}

// Collector implements collector.Collector.
type Collector struct {
	cfg      Config
	tracking *tracking.Store
	inflight *inflight.Store
}

// New returns the ovs collector.
func New(cfg Config) *Collector {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	return &Collector{cfg: cfg}
}

// OpFlowExecute is the USDT probe hit when ovs-vswitchd sends a packet back
// to the datapath.
func (c *Collector) OpFlowExecute() (probe.Probe, error) {
	return probe.NewUsdt(c.cfg.Binary, "dpif_netlink_operate__", "op_flow_execute")
}

func (c *Collector) Name() string { return Name }

func (c *Collector) Init(deps *collector.Deps, probes *probe.Manager) error {
	if deps.Inflight == nil {
		return errors.New("inflight store is required")
	}
	c.tracking = deps.Tracking
	c.inflight = deps.Inflight

	usdt, err := c.OpFlowExecute()
	if err != nil {
		return err
	}

	hooks := []struct {
		hook probe.Hook
		p    probe.Probe
	}{
		{probe.Hook{Name: "ovs-op-exec", Func: c.opExec, Object: "ovs_main_hook.o"}, usdt},
		{probe.Hook{Name: "ovs-upcall", Func: c.upcall, Object: "ovs_kernel_upcall.o"}, DpUpcall},
		{probe.Hook{Name: "ovs-exec", Func: c.exec, Object: "ovs_kernel_exec.o"}, ExecuteActions},
		{probe.Hook{Name: "ovs-exec-ret", Func: c.execRet, Object: "ovs_kernel_exec_ret.o"}, ExecuteActionsRet},
		{probe.Hook{Name: "ovs-flow-lookup", Func: c.flowLookup, Object: "ovs_kernel_flow_lookup_ret.o"}, FlowLookupRet},
		{probe.Hook{Name: "ovs-exec-cmd", Func: c.execCmd, Object: "ovs_kernel_exec_cmd.o"}, PacketCmdExec},
		{probe.Hook{Name: "ovs-exec-cmd-ret", Func: c.execCmdRet, Object: "ovs_kernel_exec_cmd_ret.o"}, PacketCmdExecRet},
	}
	for _, h := range hooks {
		if err := probes.RegisterHookTo(h.hook, h.p); err != nil {
			return fmt.Errorf("registering hook to %s: %w", h.p, err)
		}
	}
	return nil
}

func (c *Collector) Start(context.Context) error { return nil }

func (c *Collector) Stop() error { return nil }

func (c *Collector) SectionFactories() map[events.SectionType]events.SectionFactory {
	return map[events.SectionType]events.SectionFactory{
		events.SectionOvs: events.OvsFactory(),
	}
}

func dataAs[T any](ctx *probe.Context) (T, error) {
	v, ok := ctx.Data.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: unexpected probe data %T", events.ErrReadFailure, ctx.Data)
	}
	return v, nil
}

func (c *Collector) opExec(ctx *probe.Context, ev *builder.Handle) error {
	if !ev.Valid() {
		return nil
	}
	op, err := dataAs[OpExec](ctx)
	if err != nil {
		return err
	}
	return ev.Put(events.SectionOvs, events.OvsInstanceOpExec, &events.OvsOpExecSection{
		Queue:   op.Queue,
		PktSize: op.PktSize,
	})
}

func (c *Collector) upcall(ctx *probe.Context, ev *builder.Handle) error {
	if !ev.Valid() {
		return nil
	}
	up, err := dataAs[Upcall](ctx)
	if err != nil {
		return err
	}
	return ev.Put(events.SectionOvs, events.OvsInstanceUpcall, &events.OvsUpcallSection{
		Cmd:  up.Cmd,
		Port: up.Port,
		CPU:  up.CPU,
	})
}

func (c *Collector) exec(ctx *probe.Context, ev *builder.Handle) error {
	if ctx.Skb == nil {
		return nil
	}
	// A failed Begin only loses the flow lookup correlation.
	_, beginErr := c.inflight.Begin(ctx.TID(), KindExec, execState{Skb: ctx.Skb.Addr, Head: ctx.Skb.Head})

	if ev.Valid() {
		exec, _ := ctx.Data.(Exec)
		if err := ev.Put(events.SectionOvs, events.OvsInstanceExec, &events.OvsExecSection{
			Skb:    ctx.Skb.Addr,
			Recirc: exec.Recirc,
		}); err != nil {
			return err
		}

		// Executions requested by ovs-vswitchd carry the command.
		if cmd, ok := inflight.PeekAs[events.OvsExecCmdSection](c.inflight, ctx.TID(), KindExecCmd); ok {
			if err := ev.Put(events.SectionOvs, events.OvsInstanceExecCmd, &cmd); err != nil {
				return err
			}
		}
	}
	return beginErr
}

// execRet ends the execution on every path.
func (c *Collector) execRet(ctx *probe.Context, _ *builder.Handle) error {
	c.inflight.End(ctx.TID(), KindExec)
	return nil
}

// flowLookup runs nested in ovs_execute_actions, so it peeks at the
// execution state. When no flow matched the execution ends here.
func (c *Collector) flowLookup(ctx *probe.Context, ev *builder.Handle) error {
	state, ok := inflight.PeekAs[execState](c.inflight, ctx.TID(), KindExec)
	if !ok {
		return nil
	}
	// No flow, most likely an upcall follows. Nothing else will use the
	// execution state.
	if ctx.Ret == 0 {
		c.inflight.End(ctx.TID(), KindExec)
		return nil
	}

	flow, err := dataAs[FlowLookup](ctx)
	if err != nil {
		return err
	}
	if flow.Ufid == [4]uint32{} {
		return fmt.Errorf("flow %#x has no ufid", flow.Flow)
	}
	if c.tracking == nil {
		return nil
	}
	info, tracked := c.tracking.LookupKey(state.Head)
	if !tracked || !ev.Valid() {
		return nil
	}
	return ev.Put(events.SectionOvs, events.OvsInstanceFlowLookup, &events.OvsFlowLookupSection{
		Flow:         flow.Flow,
		SfActs:       flow.SfActs,
		Ufid:         flow.Ufid,
		NMaskHit:     flow.NMaskHit,
		NCacheHit:    flow.NCacheHit,
		SkbOrigHead:  info.OrigHead,
		SkbTimestamp: info.Timestamp,
		Skb:          state.Skb,
	})
}

func (c *Collector) execCmd(ctx *probe.Context, ev *builder.Handle) error {
	cmd := events.OvsExecCmdSection{}
	if ctx.Skb != nil {
		cmd.Skb = ctx.Skb.Addr
	}
	if data, ok := ctx.Data.(ExecCmd); ok {
		cmd.Port = data.Port
	}
	_, beginErr := c.inflight.Begin(ctx.TID(), KindExecCmd, cmd)

	if ev.Valid() {
		if err := ev.Put(events.SectionOvs, events.OvsInstanceExecCmd, &cmd); err != nil {
			return err
		}
	}
	return beginErr
}

func (c *Collector) execCmdRet(ctx *probe.Context, _ *builder.Handle) error {
	c.inflight.End(ctx.TID(), KindExecCmd)
	return nil
}
