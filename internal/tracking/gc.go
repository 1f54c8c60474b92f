package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/amorenoz/packet-tracer/internal/metrics"
)

const (
	DefaultGCInterval = 5 * time.Second
	DefaultGCLimit    = 60 * time.Second
)

// GC removes tracking entries not observed for longer than a limit. Lost
// events (a missed free, a missed relocation) would otherwise leave stale
// entries behind until the LRU pushes them out.
type GC struct {
	store    *Store
	clock    clock.Clock
	interval time.Duration
	limit    time.Duration
	log      zerolog.Logger
}

// GCOption configures a GC.
type GCOption func(*GC)

// WithInterval sets how often the GC runs.
func WithInterval(d time.Duration) GCOption {
	return func(g *GC) { g.interval = d }
}

// WithLimit sets the age after which entries are removed.
func WithLimit(d time.Duration) GCOption {
	return func(g *GC) { g.limit = d }
}

// WithClock sets the clock driving the GC runs.
func WithClock(c clock.Clock) GCOption {
	return func(g *GC) { g.clock = c }
}

// NewGC creates a garbage collector for store.
func NewGC(store *Store, log zerolog.Logger, opts ...GCOption) *GC {
	g := &GC{
		store:    store,
		clock:    clock.New(),
		interval: DefaultGCInterval,
		limit:    DefaultGCLimit,
		log:      log.With().Str("component", "tracking_gc").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run collects every interval until ctx is done.
func (g *GC) Run(ctx context.Context) error {
	ticker := g.clock.Ticker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Collect()
		}
	}
}

// Collect runs a single pass and returns the number of removed entries.
func (g *GC) Collect() int {
	now := g.store.now()
	limit := uint64(g.limit.Nanoseconds()) //nolint:gosec // limit is positive

	var stale []uint64
	g.store.Range(func(key uint64, info Info) bool {
		if now > info.LastSeen && now-info.LastSeen > limit {
			stale = append(stale, key)
		}
		return true
	})

	removed := 0
	for _, key := range stale {
		// The entry may have been refreshed since the scan; only remove it
		// if it is still old.
		info, ok := g.store.LookupKey(key)
		if !ok || now <= info.LastSeen || now-info.LastSeen <= limit {
			continue
		}
		if g.store.Forget(key) {
			removed++
			g.log.Warn().Str("key", fmt.Sprintf("%#x", key)).Uint64("id", info.ID).Msg("removed stale tracking entry")
		}
	}
	metrics.TrackingEvictions.Add(float64(removed))
	return removed
}
