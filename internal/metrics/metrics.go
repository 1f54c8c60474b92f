// Package metrics exposes the tracer counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "packet_tracer"

// Drop reasons used with EventsDropped.
const (
	DropExhausted = "exhausted"
	DropMandatory = "mandatory_section"
	DropDiscarded = "discarded"
)

var (
	EventsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_submitted_total",
		Help:      "Events published to the event channel",
	})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped by producers, by reason",
	}, []string{"reason"})
	HookFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_failures_total",
		Help:      "Hook invocations that returned an error",
	}, []string{"hook"})
	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Raw events or sections the decoder rejected, by kind",
	}, []string{"kind"})
	EventsDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_decoded_total",
		Help:      "Events successfully decoded",
	})
	InflightCollisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inflight_collisions_total",
		Help:      "Inflight entries overwritten before being consumed",
	}, []string{"kind"})
	InflightMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inflight_misses_total",
		Help:      "Inflight lookups that found no entry",
	}, []string{"kind"})
	TrackingEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tracking_gc_evictions_total",
		Help:      "Tracking entries removed by the garbage collector",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		EventsSubmitted,
		EventsDropped,
		HookFailures,
		DecodeErrors,
		EventsDecoded,
		InflightCollisions,
		InflightMisses,
		TrackingEvictions,
	}
}

// Register registers the tracer metrics with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("registering metric: %w", err)
		}
	}
	return nil
}

// WatchMap exposes the occupancy of a bounded map as a gauge.
func WatchMap(reg prometheus.Registerer, name string, size func() int) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "map_entries",
		Help:        "Entries currently stored in a bounded map",
		ConstLabels: prometheus.Labels{"map": name},
	}, func() float64 { return float64(size()) })
	if err := reg.Register(g); err != nil {
		return fmt.Errorf("registering map gauge %q: %w", name, err)
	}
	return nil
}

// Serve exposes the metrics of gatherer on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx) //nolint:errcheck // Best-effort shutdown
	}()

	log.Info().Str("address", addr).Msg("metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
