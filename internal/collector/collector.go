// Package collector defines the collectors and the group running them.
//
// A collector owns a set of probes, the hooks filling its sections and the
// factories decoding them. Collectors are registered once, then the enabled
// ones are initialized against the probe manager before it is resolved.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/inflight"
	"github.com/amorenoz/packet-tracer/internal/probe"
	"github.com/amorenoz/packet-tracer/internal/tracking"
)

// Deps are the shared stores collectors correlate through.
type Deps struct {
	Tracking *tracking.Store
	Inflight *inflight.Store
	Log      zerolog.Logger
}

// Collector is a unit of tracing logic.
type Collector interface {
	// Name is unique among registered collectors.
	Name() string
	// Init registers the collector probes and hooks. An error is fatal.
	Init(deps *Deps, probes *probe.Manager) error
	// Start runs the collector background tasks until Stop.
	Start(ctx context.Context) error
	Stop() error
	// SectionFactories returns the factories of the sections the collector
	// emits.
	SectionFactories() map[events.SectionType]events.SectionFactory
}

var ErrUnknownCollector = errors.New("unknown collector")

// Group holds the registered collectors.
type Group struct {
	collectors map[string]Collector
	enabled    []Collector
}

// NewGroup returns an empty group.
func NewGroup() *Group {
	return &Group{collectors: make(map[string]Collector)}
}

// Register adds a collector. Names must be unique.
func (g *Group) Register(c Collector) error {
	if _, ok := g.collectors[c.Name()]; ok {
		return fmt.Errorf("could not register collector %q: name already registered", c.Name())
	}
	g.collectors[c.Name()] = c
	return nil
}

// Names returns the registered collector names, sorted.
func (g *Group) Names() []string {
	names := make([]string, 0, len(g.collectors))
	for name := range g.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Init initializes the named collectors, in order.
func (g *Group) Init(names []string, deps *Deps, probes *probe.Manager) error {
	for _, name := range names {
		c, ok := g.collectors[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCollector, name)
		}
		if err := c.Init(deps, probes); err != nil {
			return fmt.Errorf("could not initialize the %s collector: %w", name, err)
		}
		deps.Log.Debug().Str("collector", name).Msg("collector initialized")
		g.enabled = append(g.enabled, c)
	}
	return nil
}

// RegisterFactories adds the section factories of every registered
// collector to reg, enabled or not, so that events from any source decode.
func (g *Group) RegisterFactories(reg *events.Registry) error {
	for _, name := range g.Names() {
		for t, f := range g.collectors[name].SectionFactories() {
			if err := reg.Register(t, f); err != nil {
				return fmt.Errorf("collector %s: %w", name, err)
			}
		}
	}
	return nil
}

// Start starts the enabled collectors.
func (g *Group) Start(ctx context.Context) error {
	for _, c := range g.enabled {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("starting the %s collector: %w", c.Name(), err)
		}
	}
	return nil
}

// Stop stops every enabled collector and reports all failures.
func (g *Group) Stop() error {
	var result *multierror.Error
	for _, c := range g.enabled {
		if err := c.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping the %s collector: %w", c.Name(), err))
		}
	}
	return result.ErrorOrNil()
}
