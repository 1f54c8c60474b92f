// Package bpf loads the compiled probe object and the hook extension objects.
//
// The probe object carries one program per probe kind, each calling the
// placeholder functions hook0..hook9, and the maps shared by every program.
// A program instance is loaded per attachment point so its placeholders can
// be replaced by that point's hooks.
package bpf

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/hashicorp/go-multierror"

	"github.com/amorenoz/packet-tracer/internal/probe"
)

const (
	// CoreObject is the probe object file name, relative to the object
	// directory.
	CoreObject = "probe.o"
	// HooksDir holds one extension object per hook.
	HooksDir = "hooks"
	// HookProgram is the program name inside a hook object.
	HookProgram = "hook"

	MapEvents   = "events_map"
	MapTracking = "tracking_map"
	MapInflight = "inflight_map"
	MapConfig   = "config_map"
)

var ErrProgramNotFound = errors.New("program not found")

var programs = map[probe.Kind]string{
	probe.Kprobe:        "probe_kprobe",
	probe.Kretprobe:     "probe_kretprobe",
	probe.RawTracepoint: "probe_raw_tp",
	probe.Usdt:          "probe_usdt",
}

// sharedMaps are created once and reused by every program instance.
var sharedMaps = []string{MapEvents, MapTracking, MapInflight, MapConfig}

// HookPlaceholder returns the function the i-th hook of a probe replaces.
func HookPlaceholder(i int) string {
	return fmt.Sprintf("hook%d", i)
}

// Options sizes the shared maps. Zero values keep the object's sizes.
type Options struct {
	ObjectDir       string
	EventsMapSize   uint32
	TrackingMapSize uint32
	InflightMapSize uint32
}

// RingSize rounds n up to a valid ring buffer size: a power of two, at
// least a page. Zero stays zero.
func RingSize(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	page := uint32(os.Getpagesize()) //nolint:gosec // page sizes fit
	if n <= page {
		return page
	}
	return 1 << bits.Len32(n-1)
}

// ProbeConfig is the value of config_map, keyed by probe address.
type ProbeConfig struct {
	ProbeType uint8
	_         [7]byte
}

// Objects holds the loaded shared maps and the specs programs are
// instantiated from.
type Objects struct {
	dir  string
	spec *ebpf.CollectionSpec
	maps map[string]*ebpf.Map

	mu        sync.Mutex
	hookSpecs map[string]*ebpf.CollectionSpec
}

// Load reads the probe object and creates the shared maps.
func Load(opts Options) (*Objects, error) {
	spec, err := ebpf.LoadCollectionSpec(filepath.Join(opts.ObjectDir, CoreObject))
	if err != nil {
		return nil, fmt.Errorf("loading probe object: %w", err)
	}

	resize := map[string]uint32{
		MapEvents:   RingSize(opts.EventsMapSize),
		MapTracking: opts.TrackingMapSize,
		MapInflight: opts.InflightMapSize,
	}
	for name, size := range resize {
		if m, ok := spec.Maps[name]; ok && size > 0 {
			m.MaxEntries = size
		}
	}

	o := &Objects{
		dir:       opts.ObjectDir,
		spec:      spec,
		maps:      make(map[string]*ebpf.Map),
		hookSpecs: make(map[string]*ebpf.CollectionSpec),
	}
	for _, name := range sharedMaps {
		ms, ok := spec.Maps[name]
		if !ok {
			continue
		}
		m, err := ebpf.NewMap(ms)
		if err != nil {
			_ = o.Close() //nolint:errcheck // Best-effort cleanup in error path
			return nil, fmt.Errorf("creating map %s: %w", name, err)
		}
		o.maps[name] = m
	}
	if o.maps[MapEvents] == nil {
		_ = o.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("probe object has no %s map", MapEvents)
	}
	return o, nil
}

// Events returns the ring buffer events are submitted to.
func (o *Objects) Events() *ebpf.Map {
	return o.maps[MapEvents]
}

// Map returns a shared map by name.
func (o *Objects) Map(name string) (*ebpf.Map, bool) {
	m, ok := o.maps[name]
	return m, ok
}

// SetProbeConfig stores the configuration of the probe at addr.
func (o *Objects) SetProbeConfig(addr uint64, kind probe.Kind) error {
	m, ok := o.maps[MapConfig]
	if !ok {
		return nil
	}
	cfg := ProbeConfig{ProbeType: kind.ProbeType()}
	if err := m.Put(&addr, &cfg); err != nil {
		return fmt.Errorf("setting config of probe %#x: %w", addr, err)
	}
	return nil
}

// ProbeProgram loads a new instance of the program for kind.
func (o *Objects) ProbeProgram(kind probe.Kind) (*ebpf.Program, error) {
	name, ok := programs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no program for %s probes", ErrProgramNotFound, kind)
	}
	return o.instantiate(o.spec, name, nil)
}

// HookProgram loads the extension program of the hook object file object,
// bound to the placeholder of target.
func (o *Objects) HookProgram(object string, target *ebpf.Program, placeholder string) (*ebpf.Program, error) {
	spec, err := o.hookSpec(object)
	if err != nil {
		return nil, err
	}
	return o.instantiate(spec, HookProgram, func(ps *ebpf.ProgramSpec) {
		ps.AttachTarget = target
		ps.AttachTo = placeholder
	})
}

func (o *Objects) hookSpec(object string) (*ebpf.CollectionSpec, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if spec, ok := o.hookSpecs[object]; ok {
		return spec, nil
	}
	path := filepath.Join(o.dir, HooksDir, object)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("hook object %s: %w", object, err)
	}
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading hook object %s: %w", object, err)
	}
	o.hookSpecs[object] = spec
	return spec, nil
}

// instantiate loads program name alone from spec, with the shared maps
// replacing the object's own.
func (o *Objects) instantiate(spec *ebpf.CollectionSpec, name string, edit func(*ebpf.ProgramSpec)) (*ebpf.Program, error) {
	cs := spec.Copy()
	ps, ok := cs.Programs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProgramNotFound, name)
	}
	cs.Programs = map[string]*ebpf.ProgramSpec{name: ps}
	if edit != nil {
		edit(ps)
	}

	replacements := make(map[string]*ebpf.Map)
	for mapName, m := range o.maps {
		if _, ok := cs.Maps[mapName]; ok {
			replacements[mapName] = m
		}
	}

	coll, err := ebpf.NewCollectionWithOptions(cs, ebpf.CollectionOptions{MapReplacements: replacements})
	if err != nil {
		return nil, fmt.Errorf("loading program %s: %w", name, err)
	}
	prog := coll.DetachProgram(name)
	coll.Close()
	return prog, nil
}

// Close releases the shared maps.
func (o *Objects) Close() error {
	var result *multierror.Error
	for name, m := range o.maps {
		if err := m.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing map %s: %w", name, err))
		}
	}
	o.maps = nil
	return result.ErrorOrNil()
}
