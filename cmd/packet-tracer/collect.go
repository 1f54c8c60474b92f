package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/amorenoz/packet-tracer/internal/bpf"
	"github.com/amorenoz/packet-tracer/internal/bpfloader"
	"github.com/amorenoz/packet-tracer/internal/builder"
	"github.com/amorenoz/packet-tracer/internal/config"
	"github.com/amorenoz/packet-tracer/internal/eventchan"
	"github.com/amorenoz/packet-tracer/internal/eventstream"
	"github.com/amorenoz/packet-tracer/internal/metrics"
	"github.com/amorenoz/packet-tracer/internal/probe"
	"github.com/amorenoz/packet-tracer/internal/replay"
)

type collectOptions struct {
	collectors  []string
	probes      []string
	skbSections []string
	attributes  []string
	format      string
	out         string
	filter      string
	traceID     string
	parentID    string
	metricsAddr string
	objectDir   string
	ovsBinary   string
	duration    time.Duration

	replay       string
	workers      int
	cloneEvery   int
	reallocEvery int
	dropEvery    int
	dev          string
	ifindex      uint32
}

func newCollectCmd(g *globalOptions) *cobra.Command {
	o := &collectOptions{}
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect packet events",
		Long: `Attach the probes of the enabled collectors and report the events.

With --replay the packets of a capture file are driven through the probes
in-process instead, no kernel support needed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			if err := o.apply(cmd, cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if o.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, o.duration)
				defer cancel()
			}

			log.Info().Str("version", version).Str("commit", commit).Msg("Starting packet-tracer")
			return runCollect(ctx, cmd, cfg, o, log)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&o.collectors, "collectors", nil, "collectors to enable (default all)")
	f.StringSliceVarP(&o.probes, "probe", "p", nil, "probe receiving the generic hooks, e.g. kprobe:tcp_v4_rcv, tp:skb:kfree_skb")
	f.StringSliceVar(&o.skbSections, "skb-sections", nil, "packet sections reported by the skb collector")
	f.StringArrayVarP(&o.attributes, "attribute", "a", nil, "span attribute as name=expression")
	f.StringVarP(&o.format, "format", "f", "", "output format: json, text or otel")
	f.StringVarP(&o.out, "out", "o", "", "output file (default stdout)")
	f.StringVar(&o.filter, "filter", "", "boolean expression events must match")
	f.StringVar(&o.traceID, "trace-id", "", "expression computing the trace id of an event")
	f.StringVar(&o.parentID, "parent-id", "", "expression computing the parent span id of an event")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&o.objectDir, "bpf-objects", "", "directory of the compiled BPF objects")
	f.StringVar(&o.ovsBinary, "ovs-binary", "", "ovs-vswitchd binary to attach USDT probes to")
	f.DurationVar(&o.duration, "duration", 0, "stop after this long (default until interrupted)")

	f.StringVar(&o.replay, "replay", "", "replay a pcap or pcapng file instead of tracing the kernel")
	f.IntVar(&o.workers, "replay-workers", 4, "goroutines replaying packets")
	f.IntVar(&o.cloneEvery, "replay-clone-every", 0, "clone every n-th replayed packet")
	f.IntVar(&o.reallocEvery, "replay-realloc-every", 0, "reallocate the head of every n-th replayed packet")
	f.IntVar(&o.dropEvery, "replay-drop-every", 0, "drop every n-th replayed packet")
	f.StringVar(&o.dev, "replay-dev", "eth0", "interface replayed packets are received on")
	f.Uint32Var(&o.ifindex, "replay-ifindex", 2, "index of the replay interface")
	return cmd
}

// apply overrides cfg with the flags set on the command line.
func (o *collectOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("collectors") {
		cfg.Collectors = o.collectors
	}
	if changed("probe") {
		cfg.Probes = o.probes
	}
	if changed("skb-sections") {
		cfg.SkbSections = o.skbSections
	}
	if changed("format") {
		cfg.Output.Format = o.format
	}
	if changed("out") {
		cfg.Output.File = o.out
	}
	if changed("filter") {
		cfg.Filter = o.filter
	}
	if changed("trace-id") {
		cfg.TraceID = o.traceID
	}
	if changed("parent-id") {
		cfg.ParentID = o.parentID
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	if changed("bpf-objects") {
		cfg.BPF.ObjectDir = o.objectDir
	}
	if changed("ovs-binary") {
		cfg.Ovs.Binary = o.ovsBinary
	}
	if err := cfg.AddAttributes(o.attributes); err != nil {
		return err
	}
	return cfg.Finalize()
}

// replayPath is the probe path of replayed packets: the configured probes,
// or the default receive path.
func (o *collectOptions) replayPath(cfg *config.Config) ([]probe.Probe, []probe.Probe, error) {
	if len(cfg.Probes) == 0 {
		return replay.DefaultPath, replay.DefaultPath, nil
	}
	path := make([]probe.Probe, 0, len(cfg.Probes))
	for _, spec := range cfg.Probes {
		p, err := probe.Parse(spec)
		if err != nil {
			return nil, nil, err
		}
		path = append(path, p)
	}
	return path, nil, nil
}

func runCollect(ctx context.Context, cmd *cobra.Command, cfg *config.Config, o *collectOptions, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return err
	}

	var path, extra []probe.Probe
	if o.replay != "" {
		var err error
		if path, extra, err = o.replayPath(cfg); err != nil {
			return err
		}
	}

	p, err := newPipeline(cfg, log, reg, extra...)
	if err != nil {
		return err
	}

	out, err := openOutput(cmd, cfg.Output.File)
	if err != nil {
		return err
	}
	sink, shutdown, err := newSink(ctx, cfg, out, p.converter, p.hosts, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(); err != nil {
			log.Error().Err(err).Msg("Error shutting down output")
		}
	}()

	proc, err := newProcessor(cfg, p.procs, log, sink)
	if err != nil {
		return err
	}
	defer func() {
		if err := proc.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing output")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		reader eventstream.Reader
		source func(context.Context) error
	)
	if o.replay != "" {
		reader, source, err = setupReplay(ctx, cfg, o, p, path)
	} else {
		var loader *bpfloader.Loader
		loader, reader, err = setupKernel(ctx, cfg, p)
		if loader != nil {
			defer func() {
				if err := loader.Close(); err != nil {
					log.Error().Err(err).Msg("Error closing BPF loader")
				}
			}()
		}
	}
	if err != nil {
		return err
	}

	if err := p.group.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := p.group.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping collectors")
		}
	}()

	stream := eventstream.New(reader, p.decoder, proc, log)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		// Once the stream is drained nothing else has work left.
		defer cancel()
		return stream.Run(egCtx)
	})
	eg.Go(func() error {
		return p.hosts.Run(egCtx)
	})
	if cfg.MetricsAddr != "" {
		eg.Go(func() error {
			return metrics.Serve(egCtx, cfg.MetricsAddr, reg, log)
		})
	}
	if source != nil {
		eg.Go(func() error {
			return source(egCtx)
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// setupReplay wires the in-process pipeline: the dispatcher builds events in
// a channel the stream reads from. The source closes the channel once the
// capture is replayed.
func setupReplay(ctx context.Context, cfg *config.Config, o *collectOptions, p *pipeline, path []probe.Probe,
) (eventstream.Reader, func(context.Context) error, error) {
	ch, err := eventchan.New(cfg.Events.ChannelDepth, cfg.Events.MaxEventSize)
	if err != nil {
		return nil, nil, err
	}
	b, err := builder.New(ch)
	if err != nil {
		return nil, nil, err
	}
	disp := probe.NewDispatcher(p.probes.Resolve(), b, p.log)

	src := replay.New(disp, replay.Options{
		Path:         path,
		Workers:      o.workers,
		CloneEvery:   o.cloneEvery,
		ReallocEvery: o.reallocEvery,
		DropEvery:    o.dropEvery,
		Dev:          o.dev,
		Ifindex:      o.ifindex,
	}, p.log)

	source := func(ctx context.Context) error {
		defer func() {
			_ = ch.Close() //nolint:errcheck // never fails
		}()
		f, err := os.Open(o.replay)
		if err != nil {
			return fmt.Errorf("opening capture: %w", err)
		}
		defer func() {
			_ = f.Close() //nolint:errcheck // Read-only file
		}()
		_, err = src.Run(ctx, f)
		return err
	}
	return eventchan.NewReader(ctx, ch), source, nil
}

// setupKernel loads the BPF objects, attaches every probe and opens the
// ring buffer.
func setupKernel(ctx context.Context, cfg *config.Config, p *pipeline) (*bpfloader.Loader, eventstream.Reader, error) {
	objs, err := bpf.Load(bpf.Options{
		ObjectDir:       cfg.BPF.ObjectDir,
		EventsMapSize:   uint32(cfg.Events.ChannelDepth * cfg.Events.MaxEventSize), //nolint:gosec // validated sizes
		TrackingMapSize: uint32(cfg.Tracking.MapSize),                             //nolint:gosec // validated sizes
		InflightMapSize: uint32(cfg.Inflight.MapSize),                             //nolint:gosec // validated sizes
	})
	if err != nil {
		return nil, nil, err
	}
	loader := bpfloader.New(objs, p.log)

	if err := loader.Attach(ctx, p.probes.Resolve()); err != nil {
		return loader, nil, err
	}
	rd, err := loader.OpenRingBuffer()
	if err != nil {
		return loader, nil, err
	}
	return loader, eventstream.NewRingbufReader(rd), nil
}
