// Package config holds the packet-tracer configuration.
//
// Values come from, in increasing priority: built-in defaults, a YAML file,
// PACKET_TRACER_* environment variables and command-line flags (applied by
// the caller).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PACKET_TRACER_"

// DefaultOTLPEndpoint is used when no OTLP endpoint is configured.
const DefaultOTLPEndpoint = "localhost:4318"

// Output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
	FormatOTEL = "otel"
)

// CustomAttribute is a span attribute computed from an expression.
type CustomAttribute struct {
	Name       string
	Expression string
}

// Config holds the collection configuration.
type Config struct {
	// Collectors to enable. Empty enables all of them.
	Collectors []string `yaml:"collectors" env:"COLLECTORS"`
	// Probes receiving the generic hooks, e.g. kprobe:tcp_v4_rcv.
	Probes []string `yaml:"probes" env:"PROBES"`
	// SkbSections selects the packet sections reported by the skb collector.
	SkbSections []string `yaml:"skb_sections" env:"SKB_SECTIONS"`

	Ovs      OvsConfig      `yaml:"ovs" envPrefix:"OVS_"`
	Tracking TrackingConfig `yaml:"tracking" envPrefix:"TRACKING_"`
	Inflight InflightConfig `yaml:"inflight" envPrefix:"INFLIGHT_"`
	Events   EventsConfig   `yaml:"events" envPrefix:"EVENTS_"`
	BPF      BPFConfig      `yaml:"bpf" envPrefix:"BPF_"`
	Output   OutputConfig   `yaml:"output" envPrefix:"OUTPUT_"`
	OTEL     OTELConfig     `yaml:"otel" envPrefix:"OTEL_"`

	// Filter is a boolean expression events must match to be reported.
	Filter string `yaml:"filter" env:"FILTER"`
	// TraceID and ParentID are expressions evaluated per event.
	TraceID  string `yaml:"trace_id" env:"TRACE_ID"`
	ParentID string `yaml:"parent_id" env:"PARENT_ID"`
	// Attributes is a semicolon separated list of name=expression.
	Attributes string `yaml:"attributes" env:"ATTRIBUTES"`

	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`

	// CustomAttributes is parsed from Attributes.
	CustomAttributes []CustomAttribute `yaml:"-" env:"-"`
}

type OvsConfig struct {
	Binary string `yaml:"binary" env:"BINARY"`
}

type TrackingConfig struct {
	MapSize    int           `yaml:"map_size" env:"MAP_SIZE"`
	GCInterval time.Duration `yaml:"gc_interval" env:"GC_INTERVAL"`
	GCLimit    time.Duration `yaml:"gc_limit" env:"GC_LIMIT"`
}

type InflightConfig struct {
	MapSize int `yaml:"map_size" env:"MAP_SIZE"`
}

type EventsConfig struct {
	ChannelDepth int `yaml:"channel_depth" env:"CHANNEL_DEPTH"`
	MaxEventSize int `yaml:"max_event_size" env:"MAX_EVENT_SIZE"`
}

type BPFConfig struct {
	// ObjectDir holds the compiled probe and hook objects.
	ObjectDir string `yaml:"object_dir" env:"OBJECT_DIR"`
}

type OutputConfig struct {
	Format string `yaml:"format" env:"FORMAT"`
	// File is where events are written. Empty means stdout.
	File string `yaml:"file" env:"FILE"`
}

// OTELConfig holds the OpenTelemetry exporter settings. Besides the
// PACKET_TRACER_OTEL_* overrides, the standard OTEL_* variables are read.
type OTELConfig struct {
	ServiceName        string `yaml:"service_name" env:"SERVICE_NAME"`
	ResourceAttributes string `yaml:"resource_attributes" env:"RESOURCE_ATTRIBUTES"`
	ExporterEndpoint   string `yaml:"endpoint" env:"EXPORTER_OTLP_ENDPOINT"`
	TracesEndpoint     string `yaml:"traces_endpoint" env:"EXPORTER_OTLP_TRACES_ENDPOINT"`
}

// Endpoint returns the traces endpoint, falling back to the generic exporter
// endpoint and then to DefaultOTLPEndpoint.
func (c *OTELConfig) Endpoint() string {
	switch {
	case c.TracesEndpoint != "":
		return c.TracesEndpoint
	case c.ExporterEndpoint != "":
		return c.ExporterEndpoint
	}
	return DefaultOTLPEndpoint
}

// Resource parses ResourceAttributes, a comma separated list of key=value.
// Malformed pairs are skipped.
func (c *OTELConfig) Resource() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for pair := range strings.SplitSeq(c.ResourceAttributes, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		attrs = append(attrs, attribute.String(key, strings.TrimSpace(value)))
	}
	return attrs
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Tracking: TrackingConfig{
			MapSize:    8192,
			GCInterval: 5 * time.Second,
			GCLimit:    60 * time.Second,
		},
		Inflight: InflightConfig{MapSize: 8192},
		Events: EventsConfig{
			ChannelDepth: 4096,
			MaxEventSize: 1024,
		},
		BPF:      BPFConfig{ObjectDir: "/usr/lib/packet-tracer/bpf"},
		Output:   OutputConfig{Format: FormatJSON},
		OTEL:     OTELConfig{ServiceName: "packet-tracer"},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path, if any, then the environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// Standard OTEL_* first so the prefixed ones win.
	if err := env.ParseWithOptions(&cfg.OTEL, env.Options{Prefix: "OTEL_"}); err != nil {
		return nil, fmt.Errorf("failed to parse OTEL environment: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close() //nolint:errcheck // Read-only file
	}()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Finalize parses the derived fields and validates the result. It must be
// called again after flags changed the configuration.
func (c *Config) Finalize() error {
	attrs, err := ParseAttributeString(c.Attributes)
	if err != nil {
		return err
	}
	c.CustomAttributes = attrs
	return c.Validate()
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	switch c.Output.Format {
	case FormatJSON, FormatText, FormatOTEL:
	default:
		return fmt.Errorf("unknown output format %q (want %s, %s or %s)", c.Output.Format, FormatJSON, FormatText, FormatOTEL)
	}
	if c.Tracking.MapSize <= 0 {
		return fmt.Errorf("tracking map size must be positive, got %d", c.Tracking.MapSize)
	}
	if c.Inflight.MapSize <= 0 {
		return fmt.Errorf("inflight map size must be positive, got %d", c.Inflight.MapSize)
	}
	if c.Tracking.GCInterval <= 0 || c.Tracking.GCLimit <= 0 {
		return errors.New("tracking GC interval and limit must be positive")
	}
	if c.Events.ChannelDepth <= 0 {
		return fmt.Errorf("event channel depth must be positive, got %d", c.Events.ChannelDepth)
	}
	if c.Events.MaxEventSize < 64 || c.Events.MaxEventSize > 65535 {
		return fmt.Errorf("max event size must be within [64, 65535], got %d", c.Events.MaxEventSize)
	}
	return nil
}

// ParseAttributeString parses "name1=expr1;name2=expr2". Only the first '='
// of an entry separates the name, expressions may contain more.
func ParseAttributeString(s string) ([]CustomAttribute, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var attrs []CustomAttribute
	for _, section := range strings.Split(s, ";") {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		attr, err := parseAttribute(section)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func parseAttribute(s string) (CustomAttribute, error) {
	name, expression, ok := strings.Cut(s, "=")
	if !ok {
		return CustomAttribute{}, fmt.Errorf("invalid attribute format %q, expected name=expression", s)
	}
	name = strings.TrimSpace(name)
	expression = strings.TrimSpace(expression)
	if name == "" {
		return CustomAttribute{}, fmt.Errorf("attribute name cannot be empty in %q", s)
	}
	if expression == "" {
		return CustomAttribute{}, fmt.Errorf("attribute expression cannot be empty in %q", s)
	}
	return CustomAttribute{Name: name, Expression: expression}, nil
}

// AddAttributes appends command-line attributes to the configured ones.
func (c *Config) AddAttributes(specs []string) error {
	for _, spec := range specs {
		attr, err := parseAttribute(spec)
		if err != nil {
			return err
		}
		if c.Attributes != "" {
			c.Attributes += ";"
		}
		c.Attributes += attr.Name + "=" + attr.Expression
	}
	return nil
}
