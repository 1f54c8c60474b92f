package events

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/amorenoz/packet-tracer/internal/logging"
	"github.com/amorenoz/packet-tracer/internal/metrics"
)

// Decoder turns raw events into typed ones.
type Decoder struct {
	registry *Registry
	log      zerolog.Logger
}

// NewDecoder creates a decoder using the factories of registry.
func NewDecoder(registry *Registry, log zerolog.Logger) *Decoder {
	return &Decoder{
		registry: registry,
		log:      logging.HotPath(log.With().Str("component", "decoder").Logger()),
	}
}

// Decode parses one raw event. Framing errors reject the whole event.
// Sections of unknown type, and known sections that fail to decode, are
// skipped with a diagnostic and the rest of the event is kept.
func (d *Decoder) Decode(b []byte) (*Event, error) {
	raw, err := ParseRaw(b)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(errorKind(err)).Inc()
		return nil, err
	}

	// Group the sections by type, keeping the first-seen order.
	var order []SectionType
	groups := make(map[SectionType][]RawSection, len(raw.Sections))
	for _, s := range raw.Sections {
		if _, ok := groups[s.Type]; !ok {
			order = append(order, s.Type)
		}
		groups[s.Type] = append(groups[s.Type], s)
	}

	ev := &Event{}
	for _, t := range order {
		factory, ok := d.registry.Lookup(t)
		if !ok {
			metrics.DecodeErrors.WithLabelValues("unknown_section").Inc()
			d.log.Debug().Uint8("type", uint8(t)).Msg("skipping section of unknown type")
			continue
		}
		if err := factory.Decode(groups[t], ev); err != nil {
			if t == SectionCommon {
				metrics.DecodeErrors.WithLabelValues("bad_common").Inc()
				return nil, fmt.Errorf("decoding common section: %w", err)
			}
			metrics.DecodeErrors.WithLabelValues("bad_section").Inc()
			d.log.Warn().Err(err).Stringer("type", t).Msg("skipping undecodable section")
		}
	}

	metrics.EventsDecoded.Inc()
	return ev, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrMissingCommon):
		return "missing_common"
	case errors.Is(err, ErrDuplicateSection):
		return "duplicate_section"
	default:
		return "other"
	}
}
