package skbdrop

import (
	"errors"
	"testing"

	"github.com/cilium/ebpf/btf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amorenoz/packet-tracer/internal/collector/collectortest"
	"github.com/amorenoz/packet-tracer/internal/probe"
	"github.com/amorenoz/packet-tracer/internal/skb"
)

func testReasons() *Reasons {
	return StaticReasons(map[int32]string{2: "NOT_SPECIFIED", 3: "NO_SOCKET"})
}

func TestHook_ReasonFromArgs(t *testing.T) {
	p := collectortest.New(t, nil, New(testReasons()))

	ev := p.Fire(t, KfreeSkb, &probe.Context{Args: []uint64{0xffff0001, 0xdead, 3}})
	require.NotNil(t, ev)
	require.NotNil(t, ev.SkbDrop)
	assert.Equal(t, int32(3), ev.SkbDrop.Reason)
	assert.Equal(t, "NO_SOCKET", ev.SkbDrop.ReasonName)
	require.NotNil(t, ev.Kernel)
	assert.Equal(t, "tp", ev.Kernel.ProbeType)
}

func TestHook_ReasonFromBuffer(t *testing.T) {
	p := collectortest.New(t, nil, New(testReasons()))

	buf := skb.New(1, 2, nil)
	buf.DropReason = 2
	ev := p.Fire(t, KfreeSkb, &probe.Context{Skb: buf})
	require.NotNil(t, ev.SkbDrop)
	assert.Equal(t, "NOT_SPECIFIED", ev.SkbDrop.ReasonName)
}

func TestHook_UnknownReason(t *testing.T) {
	p := collectortest.New(t, nil, New(testReasons()))

	ev := p.Fire(t, KfreeSkb, &probe.Context{Args: []uint64{0, 0, 99}})
	require.NotNil(t, ev.SkbDrop)
	assert.Equal(t, int32(99), ev.SkbDrop.Reason)
	assert.Empty(t, ev.SkbDrop.ReasonName)
}

func TestReasonsFromEnum(t *testing.T) {
	enum := &btf.Enum{
		Name: "skb_drop_reason",
		Values: []btf.EnumValue{
			{Name: "SKB_NOT_DROPPED_YET", Value: 0},
			{Name: "SKB_DROP_REASON_NOT_SPECIFIED", Value: 2},
			{Name: "SKB_DROP_REASON_TCP_CSUM", Value: 5},
		},
	}
	names := ReasonsFromEnum(enum)
	assert.Equal(t, "SKB_NOT_DROPPED_YET", names[0])
	assert.Equal(t, "NOT_SPECIFIED", names[2])
	assert.Equal(t, "TCP_CSUM", names[5])
}

func TestReasons_LoadFailure(t *testing.T) {
	r := &Reasons{load: func() (map[int32]string, error) { return nil, errors.New("no BTF") }}
	_, ok := r.ReasonName(2)
	assert.False(t, ok)
	assert.Error(t, r.Err())
}
