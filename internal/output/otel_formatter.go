package output

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/amorenoz/packet-tracer/internal/attributes"
	"github.com/amorenoz/packet-tracer/internal/events"
	ptotel "github.com/amorenoz/packet-tracer/internal/otel"
	"github.com/amorenoz/packet-tracer/internal/timesync"
)

// DefaultTraceCacheSize bounds how many packet traces keep their root span.
const DefaultTraceCacheSize = 8192

// OTELFormatter formats events as OpenTelemetry spans. The first event of a
// trace becomes its root span, later events of the same trace are its
// children.
type OTELFormatter struct {
	tracer    trace.Tracer
	converter *timesync.Converter
	evaluator *attributes.Evaluator
	traceIDs  *attributes.TraceIDEvaluator
	parentIDs *attributes.ParentIDEvaluator
	hosts     HostResolver
	log       zerolog.Logger

	// trace ID -> root span
	roots *lru.Cache[trace.TraceID, trace.SpanContext]
}

// OTELOptions holds the optional parts of an OTELFormatter.
type OTELOptions struct {
	Evaluator      *attributes.Evaluator
	TraceIDs       *attributes.TraceIDEvaluator
	ParentIDs      *attributes.ParentIDEvaluator
	Hosts          HostResolver
	TraceCacheSize int
}

// NewOTELFormatter creates a formatter emitting spans with tracer. The tracer
// provider must use ptotel.IDGenerator for packet traces to be honored.
func NewOTELFormatter(tracer trace.Tracer, converter *timesync.Converter, opts OTELOptions, log zerolog.Logger) (*OTELFormatter, error) {
	size := opts.TraceCacheSize
	if size <= 0 {
		size = DefaultTraceCacheSize
	}
	roots, err := lru.New[trace.TraceID, trace.SpanContext](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace cache: %w", err)
	}

	traceIDs := opts.TraceIDs
	if traceIDs == nil {
		traceIDs, _ = attributes.NewTraceIDEvaluator("") //nolint:errcheck // empty expression
	}
	parentIDs := opts.ParentIDs
	if parentIDs == nil {
		parentIDs, _ = attributes.NewParentIDEvaluator("") //nolint:errcheck // empty expression
	}

	return &OTELFormatter{
		tracer:    tracer,
		converter: converter,
		evaluator: opts.Evaluator,
		traceIDs:  traceIDs,
		parentIDs: parentIDs,
		hosts:     opts.Hosts,
		log:       log.With().Str("component", "otel").Logger(),
		roots:     roots,
	}, nil
}

// HandleEvent emits a zero length span at the event timestamp.
func (f *OTELFormatter) HandleEvent(ev *events.Event) error {
	var warnings []attribute.KeyValue

	traceID, w, err := f.traceIDs.EvaluateAndValidate(ev)
	if err != nil {
		f.log.Warn().Err(err).Msg("Trace-id expression failed")
		warnings = append(warnings, attribute.String("_trace_id_error", err.Error()))
	}
	warnings = append(warnings, w...)
	if !traceID.IsValid() {
		if id, ok := ev.TrackingID(); ok {
			traceID = attributes.TraceIDFromTracking(id, f.converter.BootTime().UnixNano())
		}
	}

	parentID, w, err := f.parentIDs.EvaluateAndValidate(ev)
	if err != nil {
		f.log.Warn().Err(err).Msg("Parent-id expression failed")
		warnings = append(warnings, attribute.String("_parent_id_error", err.Error()))
	}
	warnings = append(warnings, w...)

	ctx := context.Background()
	isRoot := false
	switch {
	case traceID.IsValid() && parentID.IsValid():
		ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     parentID,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		}))
	case traceID.IsValid():
		if root, ok := f.roots.Get(traceID); ok {
			ctx = trace.ContextWithSpanContext(ctx, root)
		} else {
			ctx = ptotel.ContextWithTraceID(ctx, traceID)
			isRoot = true
		}
	}

	ts := f.converter.MonotonicToWallClock(ev.Common.Timestamp)
	name := ev.Symbol()
	if name == "" {
		name = "event"
	}

	_, span := f.tracer.Start(ctx, name,
		trace.WithTimestamp(ts),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	if isRoot {
		f.roots.Add(traceID, span.SpanContext())
	}

	span.SetAttributes(f.eventAttributes(ev)...)
	if f.evaluator != nil {
		span.SetAttributes(f.evaluator.EvaluateCustomAttributes(ev)...)
	}
	if len(warnings) > 0 {
		span.SetAttributes(warnings...)
	}

	if d := ev.SkbDrop; d != nil {
		reason := d.ReasonName
		if reason == "" {
			reason = fmt.Sprint(d.Reason)
		}
		span.SetStatus(codes.Error, "Packet dropped: "+reason)
	}

	span.End(trace.WithTimestamp(ts))
	return nil
}

func (f *OTELFormatter) eventAttributes(ev *events.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int64("event.timestamp_ns", int64(ev.Common.Timestamp)), //nolint:gosec // monotonic nanoseconds fit
		attribute.Int("cpu.id", int(ev.Common.CPU)),
		attribute.Int("process.pid", int(ev.Common.TGID)),
		attribute.Int("thread.id", int(ev.Common.PID)),
	}
	if ev.Common.Comm != "" {
		attrs = append(attrs, attribute.String("process.command", ev.Common.Comm))
	}

	if k := ev.Kernel; k != nil {
		attrs = append(attrs,
			attribute.String("probe.type", k.ProbeType),
			attribute.String("probe.symbol", k.Symbol),
			attribute.String("probe.addr", fmt.Sprintf("%#x", k.Addr)),
		)
	}
	if u := ev.Userspace; u != nil {
		attrs = append(attrs,
			attribute.String("probe.type", u.EventType),
			attribute.String("probe.symbol", u.Symbol),
		)
	}

	if t := ev.SkbTracking; t != nil {
		attrs = append(attrs,
			attribute.String("skb.tracking_id", fmt.Sprintf("%#x", t.ID)),
			attribute.String("skb.addr", fmt.Sprintf("%#x", t.Skb)),
			attribute.String("skb.orig_head", fmt.Sprintf("%#x", t.OrigHead)),
		)
	}
	if d := ev.SkbDrop; d != nil {
		attrs = append(attrs, attribute.Int("skb.drop.reason", int(d.Reason)))
		if d.ReasonName != "" {
			attrs = append(attrs, attribute.String("skb.drop.reason_name", d.ReasonName))
		}
	}
	if s := ev.Skb; s != nil {
		attrs = append(attrs, f.skbAttributes(s)...)
	}
	if o := ev.Ovs; o != nil {
		attrs = append(attrs, ovsAttributes(o)...)
	}
	return attrs
}

func (f *OTELFormatter) skbAttributes(s *events.SkbEvent) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if s.Dev != nil {
		attrs = append(attrs,
			attribute.String("net.interface.name", s.Dev.Name),
			attribute.Int("net.interface.index", int(s.Dev.Ifindex)),
		)
	}
	if s.Netns != nil {
		attrs = append(attrs, attribute.Int64("net.namespace", int64(s.Netns.Netns)))
	}
	if s.Eth != nil {
		attrs = append(attrs,
			attribute.String("net.eth.src", s.Eth.Src),
			attribute.String("net.eth.dst", s.Eth.Dst),
			attribute.Int("net.eth.type", int(s.Eth.EtherType)),
		)
	}
	if s.IP != nil {
		attrs = append(attrs,
			attribute.String("net.host.ip", s.IP.Src),
			attribute.String("net.peer.ip", s.IP.Dst),
			attribute.Int("net.family", int(s.IP.Version)),
			attribute.Int("net.ip.ttl", int(s.IP.TTL)),
			attribute.Int("net.ip.len", int(s.IP.Len)),
		)
		if f.hosts != nil {
			if hosts := f.hosts.Lookup(s.IP.Src); len(hosts) > 0 {
				attrs = append(attrs, attribute.String("network.pseudo_reverse_dns.src_host", strings.Join(hosts, ",")))
			}
			if hosts := f.hosts.Lookup(s.IP.Dst); len(hosts) > 0 {
				attrs = append(attrs, attribute.String("network.pseudo_reverse_dns.dest_host", strings.Join(hosts, ",")))
			}
		}
	}
	switch {
	case s.TCP != nil:
		attrs = append(attrs,
			attribute.String("net.transport", "tcp"),
			attribute.Int("net.host.port", int(s.TCP.Sport)),
			attribute.Int("net.peer.port", int(s.TCP.Dport)),
			attribute.String("net.tcp.flags", tcpFlags(s.TCP.Flags)),
			attribute.Int64("net.tcp.seq", int64(s.TCP.Seq)),
			attribute.Int64("net.tcp.ack", int64(s.TCP.Ack)),
		)
	case s.UDP != nil:
		attrs = append(attrs,
			attribute.String("net.transport", "udp"),
			attribute.Int("net.host.port", int(s.UDP.Sport)),
			attribute.Int("net.peer.port", int(s.UDP.Dport)),
		)
	case s.ICMP != nil:
		attrs = append(attrs,
			attribute.String("net.transport", "icmp"),
			attribute.Int("net.icmp.type", int(s.ICMP.Type)),
			attribute.Int("net.icmp.code", int(s.ICMP.Code)),
		)
	}
	if d := s.DataRef; d != nil {
		attrs = append(attrs,
			attribute.Bool("skb.cloned", d.Cloned),
			attribute.Int("skb.users", int(d.Users)),
			attribute.Int("skb.dataref", int(d.Dataref)),
		)
	}
	return attrs
}

func ovsAttributes(o *events.OvsEvent) []attribute.KeyValue {
	switch {
	case o.Upcall != nil:
		return []attribute.KeyValue{
			attribute.String("ovs.event", "upcall"),
			attribute.Int("ovs.upcall.cmd", int(o.Upcall.Cmd)),
			attribute.Int64("ovs.upcall.port", int64(o.Upcall.Port)),
		}
	case o.FlowLookup != nil:
		u := o.FlowLookup.Ufid
		return []attribute.KeyValue{
			attribute.String("ovs.event", "flow_lookup"),
			attribute.String("ovs.flow.ufid", fmt.Sprintf("%08x-%08x-%08x-%08x", u[0], u[1], u[2], u[3])),
			attribute.Int64("ovs.flow.mask_hits", int64(o.FlowLookup.NMaskHit)),
		}
	case o.Exec != nil:
		return []attribute.KeyValue{
			attribute.String("ovs.event", "exec"),
			attribute.Int64("ovs.recirc_id", int64(o.Exec.Recirc)),
		}
	case o.OpExec != nil:
		return []attribute.KeyValue{
			attribute.String("ovs.event", "op_exec"),
			attribute.Int64("ovs.queue_id", int64(o.OpExec.Queue)),
		}
	case o.ExecCmd != nil:
		return []attribute.KeyValue{
			attribute.String("ovs.event", "exec_cmd"),
			attribute.Int64("ovs.port", int64(o.ExecCmd.Port)),
		}
	}
	return nil
}
