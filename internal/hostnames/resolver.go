// Package hostnames names the addresses seen in packets after the endpoints
// traced processes were told to talk to.
//
// Packets only carry addresses. Processes usually get their peers as names,
// on their command line (curl http://example.com, --host db.internal:5432)
// or in their environment (DATABASE_URL, REDIS_HOST). Resolver scans those
// strings for host names, resolves each name once and keeps the reverse
// mapping, so that 10.0.0.5 can be reported as db.internal.
//
// This misses peers discovered at runtime, but catches most of the
// connections a user cares about.
package hostnames

import (
	"context"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amorenoz/packet-tracer/internal/procmeta"
)

// LookupFunc resolves a host name.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// Resolver keeps the names addresses were reached with.
type Resolver struct {
	lookup  LookupFunc
	timeout time.Duration
	log     zerolog.Logger

	mu             sync.RWMutex
	ipToHosts      map[string][]string
	processedHosts map[string]bool

	queue chan string

	hostnameRegex     *regexp.Regexp
	hostnamePortRegex *regexp.Regexp
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookup replaces the DNS lookup.
func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// New creates a Resolver using the system resolver.
func New(log zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
		timeout:           2 * time.Second,
		log:               log.With().Str("component", "hostnames").Logger(),
		ipToHosts:         make(map[string][]string),
		processedHosts:    make(map[string]bool),
		queue:             make(chan string, 256),
		hostnameRegex:     regexp.MustCompile(`(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}`),
		hostnamePortRegex: regexp.MustCompile(`(?i)((?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}):(\d{1,5})`),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IngestEndpoints scans strings for host names and resolves them.
func (r *Resolver) IngestEndpoints(ctx context.Context, endpoints ...string) {
	for _, s := range endpoints {
		for _, host := range r.extract(s) {
			r.addHostname(ctx, host)
		}
	}
}

// Queue hands strings to Run without blocking. Strings are dropped when
// Run lags behind.
func (r *Resolver) Queue(endpoints ...string) {
	for _, s := range endpoints {
		select {
		case r.queue <- s:
		default:
			r.log.Debug().Str("endpoint", s).Msg("Resolver queue full, dropping")
		}
	}
}

// QueueProcess queues the command line and the environment values of a
// process. It has the signature of a procmeta.Manager observer.
func (r *Resolver) QueueProcess(_ uint32, md *procmeta.ProcessMetadata) {
	r.Queue(md.Args...)
	for _, value := range md.Environ {
		if value != "" {
			r.Queue(value)
		}
	}
}

// Run resolves queued strings until ctx is done.
func (r *Resolver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-r.queue:
			r.IngestEndpoints(ctx, s)
		}
	}
}

func (r *Resolver) extract(s string) []string {
	var hosts []string
	for _, m := range r.hostnamePortRegex.FindAllStringSubmatch(s, -1) {
		if port, err := strconv.Atoi(m[2]); err == nil && port >= 1 && port <= 65535 {
			hosts = append(hosts, m[1])
		}
	}
	hosts = append(hosts, r.hostnameRegex.FindAllString(s, -1)...)
	return hosts
}

func (r *Resolver) addHostname(ctx context.Context, hostname string) {
	hostname = strings.ToLower(hostname)

	r.mu.Lock()
	if r.processedHosts[hostname] {
		r.mu.Unlock()
		return
	}
	r.processedHosts[hostname] = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ips, err := r.lookup(ctx, hostname)
	if err != nil {
		r.log.Debug().Err(err).Str("host", hostname).Msg("Lookup failed")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ip := range ips {
		key := ip.String()
		if !slices.Contains(r.ipToHosts[key], hostname) {
			r.ipToHosts[key] = append(r.ipToHosts[key], hostname)
		}
	}
}

// Lookup returns the names ip was reached with.
func (r *Resolver) Lookup(ip string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.ipToHosts[ip])
}
