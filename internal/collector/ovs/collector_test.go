package ovs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amorenoz/packet-tracer/internal/collector/collectortest"
	"github.com/amorenoz/packet-tracer/internal/collector/skbtracking"
	"github.com/amorenoz/packet-tracer/internal/probe"
	"github.com/amorenoz/packet-tracer/internal/skb"
)

func TestUpcall(t *testing.T) {
	p := collectortest.New(t, nil, New(Config{}))

	ev := p.Fire(t, DpUpcall, &probe.Context{
		Skb:  skb.New(1, 2, nil),
		Data: Upcall{Cmd: 1, Port: 12, CPU: 3},
	})
	require.NotNil(t, ev)
	require.NotNil(t, ev.Ovs)
	require.NotNil(t, ev.Ovs.Upcall)
	assert.Equal(t, uint32(12), ev.Ovs.Upcall.Port)
	assert.Equal(t, uint8(1), ev.Ovs.Upcall.Cmd)
}

func TestUpcall_MissingData(t *testing.T) {
	p := collectortest.New(t, nil, New(Config{}))

	// The section is omitted, the event is kept.
	ev := p.Fire(t, DpUpcall, &probe.Context{})
	require.NotNil(t, ev)
	assert.Nil(t, ev.Ovs)
	assert.NotNil(t, ev.Kernel)
}

func TestOpFlowExecute(t *testing.T) {
	c := New(Config{Binary: "/opt/ovs/sbin/ovs-vswitchd"})
	p := collectortest.New(t, nil, c)

	usdt, err := c.OpFlowExecute()
	require.NoError(t, err)
	ev := p.Fire(t, usdt, &probe.Context{PID: 10, TGID: 10, Data: OpExec{Queue: 4, PktSize: 98}})
	require.NotNil(t, ev.Userspace)
	require.NotNil(t, ev.Ovs)
	require.NotNil(t, ev.Ovs.OpExec)
	assert.Equal(t, uint32(98), ev.Ovs.OpExec.PktSize)
}

func TestExecution(t *testing.T) {
	p := collectortest.New(t, nil, skbtracking.New(skbtracking.Config{}), New(Config{}))
	buf := skb.New(0xffff0001, 0xaa00, nil)
	ctx := func(data any, ret uint64) *probe.Context {
		return &probe.Context{PID: 100, TGID: 100, Skb: buf, Data: data, Ret: ret}
	}

	exec := p.Fire(t, ExecuteActions, ctx(Exec{Recirc: 7}, 0))
	require.NotNil(t, exec.Ovs)
	require.NotNil(t, exec.Ovs.Exec)
	assert.Equal(t, uint32(7), exec.Ovs.Exec.Recirc)
	assert.Equal(t, uint64(0xffff0001), exec.Ovs.Exec.Skb)
	assert.Nil(t, exec.Ovs.ExecCmd)
	require.NotNil(t, exec.SkbTracking)

	lookup := p.Fire(t, FlowLookupRet, ctx(FlowLookup{Flow: 0xf10, Ufid: [4]uint32{1, 2, 3, 4}, NMaskHit: 2}, 0xf10))
	require.NotNil(t, lookup.Ovs)
	require.NotNil(t, lookup.Ovs.FlowLookup)
	assert.Equal(t, uint64(0xf10), lookup.Ovs.FlowLookup.Flow)
	assert.Equal(t, [4]uint32{1, 2, 3, 4}, lookup.Ovs.FlowLookup.Ufid)
	assert.Equal(t, exec.SkbTracking.OrigHead, lookup.Ovs.FlowLookup.SkbOrigHead)
	assert.Equal(t, exec.SkbTracking.Timestamp, lookup.Ovs.FlowLookup.SkbTimestamp)
	assert.Equal(t, uint64(0xffff0001), lookup.Ovs.FlowLookup.Skb)

	// Still running: the lookup did not consume the entry.
	assert.Equal(t, 1, p.Deps.Inflight.Len())

	p.Fire(t, ExecuteActionsRet, ctx(nil, 0))
	assert.Equal(t, 0, p.Deps.Inflight.Len())
}

func TestExecution_NoFlow(t *testing.T) {
	p := collectortest.New(t, nil, New(Config{}))
	buf := skb.New(0xffff0001, 0xaa00, nil)

	p.Fire(t, ExecuteActions, &probe.Context{PID: 5, TGID: 5, Skb: buf})
	require.Equal(t, 1, p.Deps.Inflight.Len())

	ev := p.Fire(t, FlowLookupRet, &probe.Context{PID: 5, TGID: 5, Ret: 0})
	assert.Nil(t, ev.Ovs)
	assert.Equal(t, 0, p.Deps.Inflight.Len())

	// The return probe finds nothing left and degrades gracefully.
	ev = p.Fire(t, ExecuteActionsRet, &probe.Context{PID: 5, TGID: 5})
	assert.NotNil(t, ev)
}

func TestFlowLookup_WithoutExecution(t *testing.T) {
	p := collectortest.New(t, nil, skbtracking.New(skbtracking.Config{}), New(Config{}))
	flow := FlowLookup{Flow: 0xf10, Ufid: [4]uint32{1, 2, 3, 4}}

	ev := p.Fire(t, FlowLookupRet, &probe.Context{PID: 6, TGID: 6, Data: flow, Ret: 0xf10})
	require.NotNil(t, ev)
	assert.Nil(t, ev.Ovs)
}

func TestFlowLookup_Untracked(t *testing.T) {
	p := collectortest.New(t, nil, New(Config{}))
	buf := skb.New(0xffff0001, 0xaa00, nil)
	ctx := func(data any, ret uint64) *probe.Context {
		return &probe.Context{PID: 6, TGID: 6, Skb: buf, Data: data, Ret: ret}
	}

	p.Fire(t, ExecuteActions, ctx(Exec{}, 0))
	ev := p.Fire(t, FlowLookupRet, ctx(FlowLookup{Flow: 0xf10, Ufid: [4]uint32{1, 2, 3, 4}}, 0xf10))
	require.NotNil(t, ev)
	assert.Nil(t, ev.Ovs)

	// Flows without a ufid are not reported either.
	p.Fire(t, ExecuteActions, ctx(Exec{}, 0))
	ev = p.Fire(t, FlowLookupRet, ctx(FlowLookup{Flow: 0xf10}, 0xf10))
	assert.Nil(t, ev.Ovs)

	p.Fire(t, ExecuteActionsRet, ctx(nil, 0))
	assert.Zero(t, p.Deps.Inflight.Len())
}

func TestExecuteCommand(t *testing.T) {
	p := collectortest.New(t, nil, New(Config{}))
	buf := skb.New(0xffff0001, 0xaa00, nil)
	tid := &probe.Context{PID: 9, TGID: 9, Skb: buf, Data: ExecCmd{Port: 3}}

	cmd := p.Fire(t, PacketCmdExec, tid)
	require.NotNil(t, cmd.Ovs)
	require.NotNil(t, cmd.Ovs.ExecCmd)
	assert.Equal(t, uint32(3), cmd.Ovs.ExecCmd.Port)

	// The nested execution reports the command it belongs to.
	exec := p.Fire(t, ExecuteActions, &probe.Context{PID: 9, TGID: 9, Skb: buf})
	require.NotNil(t, exec.Ovs.ExecCmd)
	assert.Equal(t, uint64(0xffff0001), exec.Ovs.ExecCmd.Skb)

	p.Fire(t, ExecuteActionsRet, &probe.Context{PID: 9, TGID: 9})
	p.Fire(t, PacketCmdExecRet, &probe.Context{PID: 9, TGID: 9})
	assert.Equal(t, 0, p.Deps.Inflight.Len())

	// Another thread never sees the command.
	p.Fire(t, PacketCmdExec, tid)
	other := p.Fire(t, ExecuteActions, &probe.Context{PID: 10, TGID: 10, Skb: buf})
	assert.Nil(t, other.Ovs.ExecCmd)
}
