package probe

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amorenoz/packet-tracer/internal/builder"
	"github.com/amorenoz/packet-tracer/internal/eventchan"
	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/metrics"
)

type fixture struct {
	ch      *eventchan.Channel
	symbols *Symbols
	disp    *Dispatcher
}

func newFixture(t *testing.T, depth, slot int, register func(*Manager)) *fixture {
	t.Helper()
	ch, err := eventchan.New(depth, slot)
	require.NoError(t, err)
	b, err := builder.New(ch)
	require.NoError(t, err)

	symbols := NewSymbols()
	mgr := NewManager(symbols)
	register(mgr)

	disp := NewDispatcher(mgr.Resolve(), b, zerolog.Nop(), WithMonotonicClock(func() uint64 { return 42 }))
	return &fixture{ch: ch, symbols: symbols, disp: disp}
}

func (f *fixture) decoder(t *testing.T) *events.Decoder {
	t.Helper()
	reg := events.NewRegistry(f.symbols)
	require.NoError(t, reg.Register(events.SectionSkbDrop, events.SkbDropFactory(nil)))
	require.NoError(t, reg.Register(events.SectionSkb, events.SkbFactory()))
	return events.NewDecoder(reg, zerolog.Nop())
}

func (f *fixture) decode(t *testing.T) *events.Event {
	t.Helper()
	record, err := f.ch.Read(context.Background())
	require.NoError(t, err)
	ev, err := f.decoder(t).Decode(record)
	require.NoError(t, err)
	return ev
}

func TestDispatcher_CoreOnlyEvent(t *testing.T) {
	f := newFixture(t, 4, events.DefaultMaxEventSize, func(m *Manager) {
		require.NoError(t, m.AddProbe(NewKprobe("consume_skb")))
	})

	require.NoError(t, f.disp.FireKey("kprobe:consume_skb", &Context{CPU: 3, PID: 10, TGID: 10}))

	ev := f.decode(t)
	assert.Equal(t, uint64(42), ev.Common.Timestamp)
	assert.Equal(t, uint32(3), ev.Common.CPU)
	require.NotNil(t, ev.Kernel)
	assert.Equal(t, "consume_skb", ev.Kernel.Symbol)
	assert.Equal(t, "kprobe", ev.Kernel.ProbeType)
	assert.Nil(t, ev.Userspace)
	assert.Nil(t, ev.SkbTracking)
	assert.Nil(t, ev.Skb)
	assert.Nil(t, ev.Ovs)
}

func TestDispatcher_UnknownAttachment(t *testing.T) {
	f := newFixture(t, 1, 64, func(*Manager) {})
	assert.ErrorIs(t, f.disp.FireKey("kprobe:nope", &Context{}), ErrUnknownAttachment)
}

func TestDispatcher_UsdtEvent(t *testing.T) {
	usdt, err := NewUsdt("/usr/sbin/ovs-vswitchd", "dpif_netlink_operate__", "op_flow_execute")
	require.NoError(t, err)
	f := newFixture(t, 2, events.DefaultMaxEventSize, func(m *Manager) {
		require.NoError(t, m.RegisterHookTo(noopHook("ovs"), usdt))
	})

	require.NoError(t, f.disp.FireKey(usdt.Key(), &Context{Timestamp: 7, PID: 11, TGID: 10}))

	ev := f.decode(t)
	assert.Equal(t, uint64(7), ev.Common.Timestamp)
	assert.Nil(t, ev.Kernel)
	require.NotNil(t, ev.Userspace)
	assert.Equal(t, "dpif_netlink_operate__::op_flow_execute", ev.Userspace.Symbol)
	assert.Equal(t, uint32(10), ev.Userspace.PID)
}

func TestDispatcher_HookFailureIsLocal(t *testing.T) {
	var ran []string
	failing := Hook{Name: "too-big", Func: func(_ *Context, h *builder.Handle) error {
		ran = append(ran, "too-big")
		_, err := h.AppendSection(events.SectionSkb, events.SkbInstanceEth, 1000)
		return err
	}}
	erroring := Hook{Name: "erroring", Func: func(*Context, *builder.Handle) error {
		ran = append(ran, "erroring")
		return errors.New("boom")
	}}
	drop := Hook{Name: "drop", Func: func(_ *Context, h *builder.Handle) error {
		ran = append(ran, "drop")
		return h.Put(events.SectionSkbDrop, events.InstanceDefault, &events.SkbDropSection{Reason: 2})
	}}

	f := newFixture(t, 2, 128, func(m *Manager) {
		require.NoError(t, m.RegisterKernelHook(failing))
		require.NoError(t, m.RegisterKernelHook(erroring))
		require.NoError(t, m.RegisterKernelHook(drop))
		require.NoError(t, m.AddProbe(NewKprobe("kfree_skb_reason")))
	})

	before := testutil.ToFloat64(metrics.HookFailures.WithLabelValues("too-big"))
	require.NoError(t, f.disp.FireKey("kprobe:kfree_skb_reason", &Context{}))

	assert.Equal(t, []string{"too-big", "erroring", "drop"}, ran)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.HookFailures.WithLabelValues("too-big")))

	ev := f.decode(t)
	assert.Nil(t, ev.Skb)
	require.NotNil(t, ev.SkbDrop)
	assert.Equal(t, int32(2), ev.SkbDrop.Reason)
}

func TestDispatcher_HooksCannotEndTheEvent(t *testing.T) {
	f := newFixture(t, 2, 128, func(m *Manager) {
		require.NoError(t, m.RegisterKernelHook(Hook{Name: "discarding", Func: func(_ *Context, h *builder.Handle) error {
			h.Discard()
			return nil
		}}))
		require.NoError(t, m.AddProbe(NewKprobe("consume_skb")))
	})

	before := testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(metrics.DropDiscarded))
	require.NoError(t, f.disp.FireKey("kprobe:consume_skb", &Context{}))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(metrics.DropDiscarded)))
	assert.Equal(t, 0, f.ch.Poll(func([]byte) {}))
}

func TestDispatcher_Saturation(t *testing.T) {
	f := newFixture(t, 1, 64, func(m *Manager) {
		require.NoError(t, m.AddProbe(NewKprobe("consume_skb")))
	})

	before := testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(metrics.DropExhausted))
	for i := 0; i < 3; i++ {
		require.NoError(t, f.disp.FireKey("kprobe:consume_skb", &Context{}))
	}
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(metrics.DropExhausted)))

	// Only complete events reach the consumer.
	n := f.ch.Poll(func(record []byte) {
		_, err := events.ParseRaw(record)
		assert.NoError(t, err)
	})
	assert.Equal(t, 1, n)
}

func TestDispatcher_MandatorySectionFailure(t *testing.T) {
	// Room for COMMON but not for KERNEL.
	slot := events.EventHeaderSize + events.SectionHeaderSize + 20 + 2
	f := newFixture(t, 1, slot, func(m *Manager) {
		require.NoError(t, m.AddProbe(NewKprobe("consume_skb")))
	})

	before := testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(metrics.DropMandatory))
	require.NoError(t, f.disp.FireKey("kprobe:consume_skb", &Context{}))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(metrics.DropMandatory)))
	assert.Equal(t, 0, f.ch.Poll(func([]byte) {}))
	assert.Equal(t, uint64(1), f.ch.Stats().Released.Load())
}

func TestDispatcher_ConcurrentFire(t *testing.T) {
	const producers, perProducer = 8, 50
	f := newFixture(t, producers*perProducer, events.DefaultMaxEventSize, func(m *Manager) {
		require.NoError(t, m.RegisterKernelHook(Hook{Name: "drop", Func: func(ctx *Context, h *builder.Handle) error {
			return h.Put(events.SectionSkbDrop, events.InstanceDefault, &events.SkbDropSection{Reason: int32(ctx.CPU)})
		}}))
		require.NoError(t, m.AddProbe(NewKprobe("kfree_skb_reason")))
	})
	att, ok := f.disp.Table().Lookup("kprobe:kfree_skb_reason")
	require.True(t, ok)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(cpu uint32) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				f.disp.Fire(att, &Context{CPU: cpu, Timestamp: uint64(i + 1)})
			}
		}(uint32(p))
	}
	wg.Wait()

	dec := f.decoder(t)

	seen := make(map[uint32]int)
	n := f.ch.Poll(func(record []byte) {
		ev, err := dec.Decode(record)
		require.NoError(t, err)
		require.NotNil(t, ev.SkbDrop)
		// Sections of one event are never mixed with another.
		assert.Equal(t, int32(ev.Common.CPU), ev.SkbDrop.Reason)
		seen[ev.Common.CPU]++
	})
	assert.Equal(t, producers*perProducer, n)
	for p := 0; p < producers; p++ {
		assert.Equal(t, perProducer, seen[uint32(p)])
	}
}
