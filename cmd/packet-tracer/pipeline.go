package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/amorenoz/packet-tracer/internal/attributes"
	"github.com/amorenoz/packet-tracer/internal/collector"
	"github.com/amorenoz/packet-tracer/internal/collector/ovs"
	skbcollector "github.com/amorenoz/packet-tracer/internal/collector/skb"
	"github.com/amorenoz/packet-tracer/internal/collector/skbdrop"
	"github.com/amorenoz/packet-tracer/internal/collector/skbtracking"
	"github.com/amorenoz/packet-tracer/internal/config"
	"github.com/amorenoz/packet-tracer/internal/eventprocessor"
	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/hostnames"
	"github.com/amorenoz/packet-tracer/internal/inflight"
	"github.com/amorenoz/packet-tracer/internal/metrics"
	ptotel "github.com/amorenoz/packet-tracer/internal/otel"
	"github.com/amorenoz/packet-tracer/internal/output"
	"github.com/amorenoz/packet-tracer/internal/probe"
	"github.com/amorenoz/packet-tracer/internal/procmeta"
	"github.com/amorenoz/packet-tracer/internal/timesync"
	"github.com/amorenoz/packet-tracer/internal/tracking"
)

// pipeline holds the components shared by every event source.
type pipeline struct {
	cfg *config.Config
	log zerolog.Logger

	symbols   *probe.Symbols
	deps      *collector.Deps
	group     *collector.Group
	probes    *probe.Manager
	decoder   *events.Decoder
	procs     *procmeta.Manager
	hosts     *hostnames.Resolver
	converter *timesync.Converter
}

func newGroup(cfg *config.Config) (*collector.Group, error) {
	sections, err := skbcollector.ParseSections(cfg.SkbSections)
	if err != nil {
		return nil, err
	}

	g := collector.NewGroup()
	for _, c := range []collector.Collector{
		skbtracking.New(skbtracking.Config{
			GCInterval: cfg.Tracking.GCInterval,
			GCLimit:    cfg.Tracking.GCLimit,
		}),
		skbcollector.New(sections),
		skbdrop.New(nil),
		ovs.New(ovs.Config{Binary: cfg.Ovs.Binary}),
	} {
		if err := g.Register(c); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// newPipeline initializes the collectors and registers the configured
// probes, plus extra. reg receives the map occupancy gauges.
func newPipeline(cfg *config.Config, log zerolog.Logger, reg prometheus.Registerer, extra ...probe.Probe) (*pipeline, error) {
	symbols, err := probe.ReadKallsyms()
	if err != nil {
		log.Warn().Err(err).Msg("Kernel symbols unavailable, probe addresses will be synthetic")
		symbols = probe.NewSymbols()
	}

	store, err := tracking.NewStore(cfg.Tracking.MapSize, tracking.CounterIDs(), timesync.MonotonicNow)
	if err != nil {
		return nil, fmt.Errorf("creating tracking store: %w", err)
	}
	infl, err := inflight.NewStore(cfg.Inflight.MapSize, log)
	if err != nil {
		return nil, fmt.Errorf("creating inflight store: %w", err)
	}
	if reg != nil {
		if err := errors.Join(
			metrics.WatchMap(reg, "tracking", store.Len),
			metrics.WatchMap(reg, "inflight", infl.Len),
		); err != nil {
			return nil, err
		}
	}

	group, err := newGroup(cfg)
	if err != nil {
		return nil, err
	}
	names := cfg.Collectors
	if len(names) == 0 {
		names = group.Names()
	}

	deps := &collector.Deps{Tracking: store, Inflight: infl, Log: log}
	mgr := probe.NewManager(symbols)
	if err := group.Init(names, deps, mgr); err != nil {
		return nil, err
	}

	probes := extra
	for _, spec := range cfg.Probes {
		p, err := probe.Parse(spec)
		if err != nil {
			return nil, err
		}
		probes = append(probes, p)
	}
	for _, p := range probes {
		if err := mgr.AddProbe(p); err != nil {
			return nil, fmt.Errorf("adding probe %s: %w", p, err)
		}
	}

	registry := events.NewRegistry(symbols)
	if err := group.RegisterFactories(registry); err != nil {
		return nil, err
	}

	converter, err := timesync.NewConverter()
	if err != nil {
		return nil, fmt.Errorf("creating time converter: %w", err)
	}

	procs, err := procmeta.NewManager(procfs.DefaultMountPoint, procmeta.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	hosts := hostnames.New(log)
	procs.Observe(hosts.QueueProcess)

	return &pipeline{
		cfg:       cfg,
		log:       log,
		symbols:   symbols,
		deps:      deps,
		group:     group,
		probes:    mgr,
		decoder:   events.NewDecoder(registry, log),
		procs:     procs,
		hosts:     hosts,
		converter: converter,
	}, nil
}

func noShutdown() error { return nil }

// newSink creates the writer of the configured output format. JSON and text
// writers are closed with the processor; the returned function stops what
// else the sink started.
func newSink(ctx context.Context, cfg *config.Config, w io.Writer, conv *timesync.Converter,
	hosts output.HostResolver, log zerolog.Logger,
) (eventprocessor.Sink, func() error, error) {
	switch cfg.Output.Format {
	case config.FormatText:
		return output.NewTextWriter(w, conv, hosts), noShutdown, nil

	case config.FormatOTEL:
		tp, err := ptotel.InitProvider(ctx, &cfg.OTEL, fmt.Sprintf("%s (%s)", version, commit), log)
		if err != nil {
			return nil, nil, err
		}
		f, err := newOTELFormatter(cfg, tp, conv, hosts, log)
		if err != nil {
			return nil, nil, err
		}
		shutdown := func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ptotel.ShutdownProvider(shutdownCtx, tp)
		}
		return f, shutdown, nil

	default:
		jw, err := output.NewJSONWriter(w, &output.Startup{
			BootTimeNs: conv.BootTime().UnixNano(),
			Version:    version,
		})
		if err != nil {
			return nil, nil, err
		}
		return jw, noShutdown, nil
	}
}

func newOTELFormatter(cfg *config.Config, tp *sdktrace.TracerProvider, conv *timesync.Converter,
	hosts output.HostResolver, log zerolog.Logger,
) (*output.OTELFormatter, error) {
	evaluator, err := attributes.NewEvaluator(cfg.CustomAttributes, log)
	if err != nil {
		return nil, err
	}
	traceIDs, err := attributes.NewTraceIDEvaluator(cfg.TraceID)
	if err != nil {
		return nil, err
	}
	parentIDs, err := attributes.NewParentIDEvaluator(cfg.ParentID)
	if err != nil {
		return nil, err
	}
	return output.NewOTELFormatter(tp.Tracer("packet-tracer"), conv, output.OTELOptions{
		Evaluator: evaluator,
		TraceIDs:  traceIDs,
		ParentIDs: parentIDs,
		Hosts:     hosts,
	}, log)
}

// newProcessor filters events with the configured expression before sink.
func newProcessor(cfg *config.Config, procs eventprocessor.ProcessResolver, log zerolog.Logger,
	sink eventprocessor.Sink,
) (*eventprocessor.Processor, error) {
	filter, err := attributes.NewFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}
	return eventprocessor.NewProcessor(filter, procs, log, sink), nil
}
