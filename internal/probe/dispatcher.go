package probe

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/amorenoz/packet-tracer/internal/builder"
	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/logging"
	"github.com/amorenoz/packet-tracer/internal/metrics"
	"github.com/amorenoz/packet-tracer/internal/timesync"
)

// ErrUnknownAttachment is returned when firing a probe that was never
// registered.
var ErrUnknownAttachment = errors.New("unknown attachment")

// Dispatcher runs the hooks of an attachment each time its probe fires.
// It is safe for concurrent use: every invocation owns its event handle.
type Dispatcher struct {
	table   *Table
	builder *builder.Builder
	log     zerolog.Logger
	now     func() uint64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMonotonicClock overrides the clock used when a probe context carries
// no timestamp.
func WithMonotonicClock(now func() uint64) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a dispatcher for the attachments of table.
func NewDispatcher(table *Table, b *builder.Builder, log zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		table:   table,
		builder: b,
		log:     logging.HotPath(log.With().Str("component", "dispatcher").Logger()),
		now:     timesync.MonotonicNow,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Table returns the attachments served by the dispatcher.
func (d *Dispatcher) Table() *Table {
	return d.table
}

// FireKey fires the attachment registered under key.
func (d *Dispatcher) FireKey(key string, ctx *Context) error {
	att, ok := d.table.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAttachment, key)
	}
	d.Fire(att, ctx)
	return nil
}

// Fire builds and submits the event of one probe hit. Failures never reach
// the caller: an event that cannot be allocated or whose mandatory sections
// cannot be written is dropped, hook failures leave a partial event.
func (d *Dispatcher) Fire(att *Attachment, ctx *Context) {
	ctx.Probe = att.Probe

	h, err := d.builder.Allocate()
	if err != nil {
		metrics.EventsDropped.WithLabelValues(metrics.DropExhausted).Inc()
		return
	}

	if err := d.writeMandatory(h, att, ctx); err != nil {
		h.Discard()
		metrics.EventsDropped.WithLabelValues(metrics.DropMandatory).Inc()
		d.log.Warn().Err(err).Str("probe", att.Probe.Key()).Msg("dropping event")
		return
	}

	for _, hook := range att.Hooks {
		if err := hook.Func(ctx, h); err != nil {
			metrics.HookFailures.WithLabelValues(hook.Name).Inc()
			d.log.Debug().Err(err).
				Str("hook", hook.Name).
				Str("probe", att.Probe.Key()).
				Msg("hook failed")
		}
	}

	if err := h.Submit(); err != nil {
		metrics.EventsDropped.WithLabelValues(metrics.DropDiscarded).Inc()
		return
	}
	metrics.EventsSubmitted.Inc()
}

func (d *Dispatcher) writeMandatory(h *builder.Handle, att *Attachment, ctx *Context) error {
	ts := ctx.Timestamp
	if ts == 0 {
		ts = d.now()
	}
	if err := h.AppendCommon(events.CommonSection{
		Timestamp: ts,
		CPU:       ctx.CPU,
		PID:       ctx.PID,
		TGID:      ctx.TGID,
	}); err != nil {
		return fmt.Errorf("writing common section: %w", err)
	}

	if att.Probe.Kind == Usdt {
		err := h.Put(events.SectionUserspace, events.InstanceDefault, &events.UserSection{
			Symbol:    att.Addr,
			PID:       ctx.TGID,
			EventType: events.UserEventUsdt,
		})
		if err != nil {
			return fmt.Errorf("writing userspace section: %w", err)
		}
		return nil
	}

	err := h.Put(events.SectionKernel, events.InstanceDefault, &events.KernelSection{
		Symbol:    att.Addr,
		ProbeType: att.Probe.Kind.ProbeType(),
	})
	if err != nil {
		return fmt.Errorf("writing kernel section: %w", err)
	}
	return nil
}
