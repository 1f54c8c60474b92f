// Package replay drives the in-process pipeline with packets read from a
// capture file. Every packet becomes a socket buffer travelling through a
// path of probes, with clones, head reallocations and drops injected at a
// configurable rate.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/amorenoz/packet-tracer/internal/collector/skbdrop"
	"github.com/amorenoz/packet-tracer/internal/collector/skbtracking"
	"github.com/amorenoz/packet-tracer/internal/probe"
	"github.com/amorenoz/packet-tracer/internal/skb"
)

const (
	skbBase  = 0xffff888100000000
	headBase = 0xffff888200000000
	objSize  = 0x100

	// DropReasonNotSpecified is SKB_DROP_REASON_NOT_SPECIFIED.
	DropReasonNotSpecified = 2
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// DefaultPath is the probe path of a received TCP packet.
var DefaultPath = []probe.Probe{
	probe.NewKprobe("__netif_receive_skb_core"),
	probe.NewKprobe("ip_rcv"),
	probe.NewKprobe("tcp_v4_rcv"),
}

// Options shapes the replay.
type Options struct {
	// Path is the ordered list of probes every packet hits.
	Path []probe.Probe
	// Workers is the number of goroutines firing probes, each standing for
	// a CPU.
	Workers int
	// CloneEvery clones every n-th packet after the first probe, the clone
	// then follows the path too. Zero disables clones.
	CloneEvery int
	// ReallocEvery moves the data of every n-th packet to a new head midway.
	ReallocEvery int
	// DropEvery drops every n-th packet instead of freeing it.
	DropEvery  int
	DropReason int32

	Dev     string
	Ifindex uint32
	Netns   uint32
	// PID is reported as the task handling the packets. Worker n reports
	// thread PID+n.
	PID uint32
}

// Stats counts what a replay did.
type Stats struct {
	Packets uint64
	Fired   uint64
	// Skipped counts hits on probes that have no attachment.
	Skipped uint64
}

// Source replays captures through a dispatcher.
type Source struct {
	disp *probe.Dispatcher
	opts Options
	log  zerolog.Logger

	addrs   atomic.Uint64
	packets atomic.Uint64
	fired   atomic.Uint64
	skipped atomic.Uint64
}

// New creates a source firing disp.
func New(disp *probe.Dispatcher, opts Options, log zerolog.Logger) *Source {
	if len(opts.Path) == 0 {
		opts.Path = DefaultPath
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.DropReason == 0 {
		opts.DropReason = DropReasonNotSpecified
	}
	return &Source{
		disp: disp,
		opts: opts,
		log:  log.With().Str("component", "replay").Logger(),
	}
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// openCapture returns a reader for a pcap or pcapng stream.
func openCapture(r io.Reader) (packetReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("reading capture header: %w", err)
	}

	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("opening pcapng capture: %w", err)
		}
		if lt := ng.LinkType(); lt != layers.LinkTypeEthernet {
			return nil, fmt.Errorf("unsupported link type %s", lt)
		}
		return ng, nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("opening pcap capture: %w", err)
	}
	if lt := pr.LinkType(); lt != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("unsupported link type %s", lt)
	}
	return pr, nil
}

type packet struct {
	seq  uint64
	data []byte
}

// Run replays every packet of the capture read from r. It returns when
// the capture is exhausted or ctx is done.
func (s *Source) Run(ctx context.Context, r io.Reader) (Stats, error) {
	pr, err := openCapture(r)
	if err != nil {
		return Stats{}, err
	}

	g, ctx := errgroup.WithContext(ctx)
	packets := make(chan packet, s.opts.Workers)

	g.Go(func() error {
		defer close(packets)
		for seq := uint64(1); ; seq++ {
			data, _, err := pr.ReadPacketData()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading packet %d: %w", seq, err)
			}
			select {
			case packets <- packet{seq: seq, data: data}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	for cpu := 0; cpu < s.opts.Workers; cpu++ {
		g.Go(func() error {
			for p := range packets {
				s.replay(uint32(cpu), p) //nolint:gosec // worker count is small
			}
			return nil
		})
	}

	err = g.Wait()
	stats := Stats{
		Packets: s.packets.Load(),
		Fired:   s.fired.Load(),
		Skipped: s.skipped.Load(),
	}
	s.log.Info().
		Uint64("packets", stats.Packets).
		Uint64("fired", stats.Fired).
		Uint64("skipped", stats.Skipped).
		Msg("Replay done")
	return stats, err
}

func (s *Source) nextAddr(base uint64) uint64 {
	return base + s.addrs.Inc()*objSize
}

func every(n int, seq uint64) bool {
	return n > 0 && seq%uint64(n) == 0
}

// replay takes one packet through the path, from allocation to free.
func (s *Source) replay(cpu uint32, p packet) {
	s.packets.Inc()

	b := skb.New(s.nextAddr(skbBase), s.nextAddr(headBase), p.data)
	b.Dev = s.opts.Dev
	b.Ifindex = s.opts.Ifindex
	b.Netns = s.opts.Netns

	var clone *skb.Buff
	for i, pr := range s.opts.Path {
		if i == len(s.opts.Path)/2 && every(s.opts.ReallocEvery, p.seq) {
			s.realloc(cpu, b)
		}
		s.fire(cpu, pr, b)
		if i == 0 && every(s.opts.CloneEvery, p.seq) {
			clone = b.Clone(s.nextAddr(skbBase))
		}
	}

	if clone != nil {
		for _, pr := range s.opts.Path[1:] {
			s.fire(cpu, pr, clone)
		}
		s.free(cpu, clone, false)
	}
	s.free(cpu, b, every(s.opts.DropEvery, p.seq))
}

func (s *Source) realloc(cpu uint32, b *skb.Buff) {
	old := *b
	s.fireContext(skbtracking.ExpandHead, s.context(cpu, b))
	freed := b.Realloc(s.nextAddr(headBase))
	s.fireContext(skbtracking.ExpandHeadRet, s.context(cpu, b))
	if freed {
		s.fireContext(skbtracking.FreeHead, s.context(cpu, &old))
	}
}

// free releases b. The head is only freed with its last reference.
func (s *Source) free(cpu uint32, b *skb.Buff, drop bool) {
	if drop {
		b.DropReason = s.opts.DropReason
		ctx := s.context(cpu, b)
		ctx.Args = []uint64{b.Addr, 0, uint64(s.opts.DropReason)} //nolint:gosec // reasons are positive
		s.fireContext(skbdrop.KfreeSkb, ctx)
	}
	if !b.Release() {
		return
	}
	s.fireContext(skbtracking.FreeHead, s.context(cpu, b))
}

// context describes a hit on cpu. Every worker runs as its own thread so
// that entry and return probes of concurrent packets never pair up.
func (s *Source) context(cpu uint32, b *skb.Buff) *probe.Context {
	return &probe.Context{
		CPU:  cpu,
		PID:  s.opts.PID + cpu,
		TGID: s.opts.PID,
		Args: []uint64{b.Addr},
		Skb:  b,
	}
}

func (s *Source) fire(cpu uint32, p probe.Probe, b *skb.Buff) {
	s.fireContext(p, s.context(cpu, b))
}

func (s *Source) fireContext(p probe.Probe, ctx *probe.Context) {
	if err := s.disp.FireKey(p.Key(), ctx); err != nil {
		if errors.Is(err, probe.ErrUnknownAttachment) {
			s.skipped.Inc()
			return
		}
		s.log.Warn().Err(err).Str("probe", p.String()).Msg("Failed to fire probe")
		return
	}
	s.fired.Inc()
}
