// Package bpfloader attaches the probe programs of a resolved probe table to
// the kernel and binds their hooks.
package bpfloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/amorenoz/packet-tracer/internal/bpf"
	"github.com/amorenoz/packet-tracer/internal/probe"
)

const maxAttachRetries = 5

// Loader manages the lifecycle of the probe programs and their attachments.
type Loader struct {
	objs  *bpf.Objects
	log   zerolog.Logger
	links []link.Link
	progs []*ebpf.Program

	newBackOff func() backoff.BackOff
}

// New creates a loader instantiating programs from objs. The loader owns
// objs and closes them in Close.
func New(objs *bpf.Objects, log zerolog.Logger) *Loader {
	return &Loader{
		objs: objs,
		log:  log.With().Str("component", "bpfloader").Logger(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
	}
}

// closeErrorf releases what was attached so far and returns a formatted
// error.
func (l *Loader) closeErrorf(e error, format string, args ...any) error {
	l.releaseLinks()
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), e)
}

// Attach loads and attaches one program per attachment of table.
func (l *Loader) Attach(ctx context.Context, table *probe.Table) error {
	for _, att := range table.Attachments() {
		if err := l.attach(ctx, att); err != nil {
			return l.closeErrorf(err, "attaching %s", att.Probe)
		}
	}
	l.log.Info().Int("probes", table.Len()).Int("links", len(l.links)).Msg("Probes attached")
	return nil
}

func (l *Loader) attach(ctx context.Context, att *probe.Attachment) error {
	prog, err := l.objs.ProbeProgram(att.Probe.Kind)
	if err != nil {
		return err
	}
	l.progs = append(l.progs, prog)

	slot := 0
	for _, h := range att.Hooks {
		if h.Object == "" {
			l.log.Warn().Str("hook", h.Name).Str("probe", att.Probe.String()).
				Msg("Hook has no BPF object, skipping it in the kernel")
			continue
		}
		placeholder := bpf.HookPlaceholder(slot)
		ext, err := l.objs.HookProgram(h.Object, prog, placeholder)
		if err != nil {
			return err
		}
		l.progs = append(l.progs, ext)

		lnk, err := link.AttachFreplace(prog, placeholder, ext)
		if err != nil {
			return fmt.Errorf("binding hook %s to %s: %w", h.Name, placeholder, err)
		}
		l.links = append(l.links, lnk)
		slot++
	}

	if err := l.objs.SetProbeConfig(att.Addr, att.Probe.Kind); err != nil {
		return err
	}

	lnk, err := l.attachWithRetry(ctx, att.Probe.String(), func() (link.Link, error) {
		return attachProgram(att.Probe, prog)
	})
	if err != nil {
		return err
	}
	l.links = append(l.links, lnk)
	return nil
}

func attachProgram(p probe.Probe, prog *ebpf.Program) (link.Link, error) {
	switch p.Kind {
	case probe.Kprobe:
		return link.Kprobe(p.Symbol, prog, nil)
	case probe.Kretprobe:
		return link.Kretprobe(p.Symbol, prog, nil)
	case probe.RawTracepoint:
		return link.AttachRawTracepoint(link.RawTracepointOptions{
			Name:    p.TracepointName(),
			Program: prog,
		})
	case probe.Usdt:
		if p.Usdt == nil {
			return nil, backoff.Permanent(fmt.Errorf("usdt probe %s has no target", p.Symbol))
		}
		off, err := probe.UsdtOffset(p.Usdt.Path, p.Usdt.Provider, p.Usdt.Name)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		ex, err := link.OpenExecutable(p.Usdt.Path)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return ex.Uprobe(p.Symbol, prog, &link.UprobeOptions{Address: off})
	default:
		return nil, backoff.Permanent(fmt.Errorf("unsupported probe kind %s", p.Kind))
	}
}

// attachWithRetry retries fn while it fails with a transient error. Kprobe
// registration returns EBUSY or EAGAIN while another tracer modifies the same
// function.
func (l *Loader) attachWithRetry(ctx context.Context, name string, fn func() (link.Link, error)) (link.Link, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(l.newBackOff(), maxAttachRetries), ctx)
	return backoff.RetryNotifyWithData(func() (link.Link, error) {
		lnk, err := fn()
		if err != nil && !isTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return lnk, err
	}, b, func(err error, wait time.Duration) {
		l.log.Debug().Err(err).Str("probe", name).Dur("retry_in", wait).Msg("Attach failed, retrying")
	})
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EBUSY) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

// OpenRingBuffer opens a reader on the events ring buffer.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(l.objs.Events())
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return rd, nil
}

// releaseLinks closes links and programs, newest first, ignoring errors.
func (l *Loader) releaseLinks() {
	for i := len(l.links) - 1; i >= 0; i-- {
		_ = l.links[i].Close() //nolint:errcheck // Best-effort cleanup in error path
	}
	for _, p := range l.progs {
		_ = p.Close() //nolint:errcheck // Best-effort cleanup in error path
	}
	l.links, l.progs = nil, nil
}

// Close detaches every probe and releases the BPF objects.
func (l *Loader) Close() error {
	var errs []error

	for i := len(l.links) - 1; i >= 0; i-- {
		if err := l.links[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing link: %w", err))
		}
	}
	for _, p := range l.progs {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing program: %w", err))
		}
	}
	l.links, l.progs = nil, nil

	if l.objs != nil {
		if err := l.objs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing BPF objects: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}
	return nil
}
