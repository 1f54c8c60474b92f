// Package collectortest runs collectors through the in-process pipeline in
// tests.
package collectortest

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/amorenoz/packet-tracer/internal/builder"
	"github.com/amorenoz/packet-tracer/internal/collector"
	"github.com/amorenoz/packet-tracer/internal/eventchan"
	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/inflight"
	"github.com/amorenoz/packet-tracer/internal/probe"
	"github.com/amorenoz/packet-tracer/internal/tracking"
)

// Pipeline wires collectors to a dispatcher and a decoder.
type Pipeline struct {
	Clock      *clock.Mock
	Deps       *collector.Deps
	Group      *collector.Group
	Dispatcher *probe.Dispatcher
	Channel    *eventchan.Channel
	Decoder    *events.Decoder
}

// New initializes the given collectors, all enabled, and adds the generic
// probes.
func New(t *testing.T, probes []probe.Probe, collectors ...collector.Collector) *Pipeline {
	t.Helper()

	mock := clock.NewMock()
	now := func() uint64 { return uint64(mock.Now().UnixNano()) } //nolint:gosec // mock time is positive

	store, err := tracking.NewStore(1024, tracking.CounterIDs(), now)
	require.NoError(t, err)
	inf, err := inflight.NewStore(1024, zerolog.Nop())
	require.NoError(t, err)

	deps := &collector.Deps{Tracking: store, Inflight: inf, Log: zerolog.Nop()}
	group := collector.NewGroup()
	names := make([]string, 0, len(collectors))
	for _, c := range collectors {
		require.NoError(t, group.Register(c))
		names = append(names, c.Name())
	}

	symbols := probe.NewSymbols()
	mgr := probe.NewManager(symbols)
	require.NoError(t, group.Init(names, deps, mgr))
	for _, pr := range probes {
		require.NoError(t, mgr.AddProbe(pr))
	}

	ch, err := eventchan.New(64, events.DefaultMaxEventSize)
	require.NoError(t, err)
	b, err := builder.New(ch)
	require.NoError(t, err)

	reg := events.NewRegistry(symbols)
	require.NoError(t, group.RegisterFactories(reg))

	return &Pipeline{
		Clock:      mock,
		Deps:       deps,
		Group:      group,
		Dispatcher: probe.NewDispatcher(mgr.Resolve(), b, zerolog.Nop(), probe.WithMonotonicClock(now)),
		Channel:    ch,
		Decoder:    events.NewDecoder(reg, zerolog.Nop()),
	}
}

// Fire fires p and returns the decoded event, or nil when nothing was
// submitted.
func (p *Pipeline) Fire(t *testing.T, pr probe.Probe, ctx *probe.Context) *events.Event {
	t.Helper()
	require.NoError(t, p.Dispatcher.FireKey(pr.Key(), ctx))

	var out *events.Event
	p.Channel.Poll(func(record []byte) {
		ev, err := p.Decoder.Decode(record)
		require.NoError(t, err)
		out = ev
	})
	return out
}

// Read blocks until the next event.
func (p *Pipeline) Read(t *testing.T) *events.Event {
	t.Helper()
	record, err := p.Channel.Read(context.Background())
	require.NoError(t, err)
	ev, err := p.Decoder.Decode(record)
	require.NoError(t, err)
	return ev
}
