// Package skbtracking gives every traced packet a correlation id and keeps
// it across clones and data reallocations.
package skbtracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amorenoz/packet-tracer/internal/builder"
	"github.com/amorenoz/packet-tracer/internal/collector"
	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/inflight"
	"github.com/amorenoz/packet-tracer/internal/probe"
	"github.com/amorenoz/packet-tracer/internal/tracking"
)

const (
	Name = "skb-tracking"

	// KindRealloc correlates pskb_expand_head entry and return.
	KindRealloc inflight.Kind = "skb-realloc"
)

// Probes the collector hooks, besides every kernel probe.
var (
	ExpandHead    = probe.NewKprobe("pskb_expand_head")
	ExpandHeadRet = probe.NewKretprobe("pskb_expand_head")
	FreeHead      = probe.NewKprobe("skb_free_head")
)

// Config tunes the garbage collection of tracking entries.
type Config struct {
	GCInterval time.Duration
	GCLimit    time.Duration
}

// Collector implements collector.Collector.
type Collector struct {
	cfg      Config
	tracking *tracking.Store
	inflight *inflight.Store
	log      zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns the skb-tracking collector.
func New(cfg Config) *Collector {
	return &Collector{cfg: cfg}
}

func (c *Collector) Name() string { return Name }

func (c *Collector) Init(deps *collector.Deps, probes *probe.Manager) error {
	if deps.Tracking == nil || deps.Inflight == nil {
		return errors.New("tracking and inflight stores are required")
	}
	c.tracking = deps.Tracking
	c.inflight = deps.Inflight
	c.log = deps.Log.With().Str("collector", Name).Logger()

	if err := probes.RegisterKernelHook(probe.Hook{
		Name:   "skb-tracking",
		Func:   c.track,
		Object: "skb_tracking_hook.o",
	}); err != nil {
		return err
	}

	targeted := []struct {
		hook probe.Hook
		p    probe.Probe
	}{
		{probe.Hook{Name: "skb-tracking-realloc", Func: c.beginRealloc}, ExpandHead},
		{probe.Hook{Name: "skb-tracking-realloc-ret", Func: c.endRealloc}, ExpandHeadRet},
		{probe.Hook{Name: "skb-tracking-free", Func: c.free}, FreeHead},
	}
	for _, t := range targeted {
		if err := probes.RegisterHookTo(t.hook, t.p); err != nil {
			return fmt.Errorf("registering hook to %s: %w", t.p, err)
		}
	}
	return nil
}

// Start runs the tracking garbage collector.
func (c *Collector) Start(ctx context.Context) error {
	var opts []tracking.GCOption
	if c.cfg.GCInterval > 0 {
		opts = append(opts, tracking.WithInterval(c.cfg.GCInterval))
	}
	if c.cfg.GCLimit > 0 {
		opts = append(opts, tracking.WithLimit(c.cfg.GCLimit))
	}
	gc := tracking.NewGC(c.tracking, c.log, opts...)

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := gc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error().Err(err).Msg("tracking garbage collector stopped")
		}
	}()
	return nil
}

func (c *Collector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *Collector) SectionFactories() map[events.SectionType]events.SectionFactory {
	return map[events.SectionType]events.SectionFactory{
		events.SectionSkbTracking: events.SkbTrackingFactory(),
	}
}

func putTracking(ev *builder.Handle, info tracking.Info, addr uint64) error {
	return ev.Put(events.SectionSkbTracking, events.InstanceDefault, &events.SkbTrackingSection{
		ID:        info.ID,
		OrigHead:  info.OrigHead,
		Timestamp: info.Timestamp,
		Skb:       addr,
	})
}

// track runs on every kernel probe.
func (c *Collector) track(ctx *probe.Context, ev *builder.Handle) error {
	if ctx.Skb == nil || !ev.Valid() {
		return nil
	}
	// A targeted hook of this collector already reported the packet.
	if ev.Has(events.SectionSkbTracking, events.InstanceDefault) {
		return nil
	}
	// The data is being freed, an untracked head must stay untracked.
	if ctx.Probe.Kind == FreeHead.Kind && ctx.Probe.Symbol == FreeHead.Symbol {
		return nil
	}
	info, err := c.tracking.Observe(ctx.Skb)
	if err != nil {
		return err
	}
	return putTracking(ev, info, ctx.Skb.Addr)
}

func (c *Collector) beginRealloc(ctx *probe.Context, _ *builder.Handle) error {
	if ctx.Skb == nil {
		return nil
	}
	if _, err := c.inflight.Begin(ctx.TID(), KindRealloc, ctx.Skb.Head); err != nil {
		return fmt.Errorf("saving head of %#x: %w", ctx.Skb.Addr, err)
	}
	return nil
}

// endRealloc moves the identity to the new data head. It always consumes
// the inflight entry, whatever the outcome.
func (c *Collector) endRealloc(ctx *probe.Context, _ *builder.Handle) error {
	oldHead, ok := inflight.EndAs[uint64](c.inflight, ctx.TID(), KindRealloc)
	if !ok || ctx.Skb == nil {
		return nil
	}
	// pskb_expand_head failed, the data did not move.
	if ctx.Ret != 0 || oldHead == ctx.Skb.Head {
		return nil
	}
	if _, err := c.tracking.Relocate(oldHead, ctx.Skb.Head); err != nil {
		return err
	}
	return nil
}

// free reports the packet one last time and forgets it.
func (c *Collector) free(ctx *probe.Context, ev *builder.Handle) error {
	if ctx.Skb == nil {
		return nil
	}
	info, ok := c.tracking.Lookup(ctx.Skb)
	if !ok {
		return nil
	}
	c.tracking.Forget(ctx.Skb.TrackingKey())
	if !ev.Valid() {
		return nil
	}
	return putTracking(ev, info, ctx.Skb.Addr)
}
