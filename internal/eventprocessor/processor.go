package eventprocessor

import (
	"errors"
	"io"

	"github.com/rs/zerolog"

	"github.com/amorenoz/packet-tracer/internal/attributes"
	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/logging"
	"github.com/amorenoz/packet-tracer/internal/procmeta"
)

// Sink consumes the events that passed the filter.
type Sink interface {
	HandleEvent(ev *events.Event) error
}

// ProcessResolver names the task behind a pid.
type ProcessResolver interface {
	Resolve(pid uint32) (*procmeta.ProcessMetadata, error)
}

// Processor filters events, enriches them and fans them out to sinks.
type Processor struct {
	filter *attributes.Filter
	procs  ProcessResolver
	sinks  []Sink
	log    zerolog.Logger
}

// NewProcessor creates a processor. filter and procs may be nil.
func NewProcessor(filter *attributes.Filter, procs ProcessResolver, log zerolog.Logger, sinks ...Sink) *Processor {
	return &Processor{
		filter: filter,
		procs:  procs,
		sinks:  sinks,
		log:    logging.HotPath(log.With().Str("component", "eventprocessor").Logger()),
	}
}

// HandleEvent runs one event through the pipeline. Every sink sees the
// event even when another one fails.
func (p *Processor) HandleEvent(ev *events.Event) error {
	if p.filter != nil {
		match, err := p.filter.Match(ev)
		if err != nil {
			return err
		}
		if !match {
			return nil
		}
	}

	p.enrich(ev)

	var errs []error
	for _, sink := range p.sinks {
		if err := sink.HandleEvent(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// enrich fills in the task name. Events hit in interrupt context have no
// task of their own and are left alone.
func (p *Processor) enrich(ev *events.Event) {
	if p.procs == nil || ev.Common.Comm != "" || ev.Common.TGID == 0 {
		return
	}
	md, err := p.procs.Resolve(ev.Common.TGID)
	if err != nil {
		p.log.Debug().Err(err).Uint32("pid", ev.Common.TGID).Msg("Cannot resolve process")
		return
	}
	ev.Common.Comm = md.Comm
}

// Close closes the sinks that need it.
func (p *Processor) Close() error {
	var errs []error
	for _, sink := range p.sinks {
		if c, ok := sink.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
