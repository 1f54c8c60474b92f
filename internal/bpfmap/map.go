// Package bpfmap provides bounded concurrent maps with the semantics of BPF
// hash maps: a fixed number of entries, single-key atomic operations and
// either insertion failure or LRU eviction when full.
package bpfmap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/atomic"
)

// Type selects what happens when an insertion hits the capacity.
type Type int

const (
	// Hash rejects insertions into a full map with ErrMapFull.
	Hash Type = iota
	// LRUHash evicts the least recently used entry of the target shard.
	LRUHash
)

func (t Type) String() string {
	switch t {
	case Hash:
		return "hash"
	case LRUHash:
		return "lru_hash"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ErrMapFull is returned when inserting a new key into a full Hash map.
var ErrMapFull = errors.New("map is full")

const defaultShards = 16

// Spec describes a map to create.
type Spec struct {
	Name       string
	Type       Type
	MaxEntries int
	// Shards defaults to 16, and is lowered for small maps so that every
	// shard can hold at least one entry.
	Shards int
}

// Stats holds the map counters.
type Stats struct {
	Inserts   *atomic.Uint64
	Evictions *atomic.Uint64
	Full      *atomic.Uint64
}

// Map is a bounded map safe for concurrent use. Each operation touches a
// single key and is atomic with respect to other operations on that key.
type Map[K comparable, V any] struct {
	name   string
	typ    Type
	max    int
	hash   func(K) uint64
	shards []*shard[K, V]
	size   *atomic.Int64
	stats  Stats
}

type shard[K comparable, V any] struct {
	mu    sync.Mutex
	limit int
	lru   *simplelru.LRU[K, V]
}

// New creates a map. hash spreads keys over the shards; see HashUint64 and
// HashString for common key types.
func New[K comparable, V any](spec Spec, hash func(K) uint64) (*Map[K, V], error) {
	if spec.MaxEntries <= 0 {
		return nil, fmt.Errorf("map %q: max entries must be positive, got %d", spec.Name, spec.MaxEntries)
	}
	if hash == nil {
		return nil, fmt.Errorf("map %q: no hash function", spec.Name)
	}

	n := spec.Shards
	if n <= 0 {
		n = defaultShards
	}
	if n > spec.MaxEntries {
		n = spec.MaxEntries
	}

	m := &Map[K, V]{
		name:   spec.Name,
		typ:    spec.Type,
		max:    spec.MaxEntries,
		hash:   hash,
		shards: make([]*shard[K, V], n),
		size:   atomic.NewInt64(0),
		stats: Stats{
			Inserts:   atomic.NewUint64(0),
			Evictions: atomic.NewUint64(0),
			Full:      atomic.NewUint64(0),
		},
	}

	// Spread the capacity so that the shard limits add up to MaxEntries.
	per, rem := spec.MaxEntries/n, spec.MaxEntries%n
	for i := range m.shards {
		limit := per
		if i < rem {
			limit++
		}
		s := &shard[K, V]{limit: limit}
		lru, err := simplelru.NewLRU[K, V](limit, func(K, V) {
			m.size.Dec()
			m.stats.Evictions.Inc()
		})
		if err != nil {
			return nil, fmt.Errorf("map %q: creating shard: %w", spec.Name, err)
		}
		s.lru = lru
		m.shards[i] = s
	}

	return m, nil
}

// Name returns the map name.
func (m *Map[K, V]) Name() string { return m.name }

// MaxEntries returns the map capacity.
func (m *Map[K, V]) MaxEntries() int { return m.max }

// Len returns the number of entries.
func (m *Map[K, V]) Len() int { return int(m.size.Load()) }

// Stats returns the map counters.
func (m *Map[K, V]) Stats() Stats { return m.stats }

func (m *Map[K, V]) shardFor(key K) *shard[K, V] {
	return m.shards[m.hash(key)%uint64(len(m.shards))]
}

// Lookup returns the value stored for key.
func (m *Map[K, V]) Lookup(key K) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Get(key)
}

// Update stores value for key. flags follow the BPF map update semantics:
// ebpf.UpdateNoExist fails with ebpf.ErrKeyExist if the key is present and
// ebpf.UpdateExist fails with ebpf.ErrKeyNotExist if it is absent.
func (m *Map[K, V]) Update(key K, value V, flags ebpf.MapUpdateFlags) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	exists := s.lru.Contains(key)
	switch flags {
	case ebpf.UpdateAny:
	case ebpf.UpdateNoExist:
		if exists {
			return fmt.Errorf("map %q: %w", m.name, ebpf.ErrKeyExist)
		}
	case ebpf.UpdateExist:
		if !exists {
			return fmt.Errorf("map %q: %w", m.name, ebpf.ErrKeyNotExist)
		}
	default:
		return fmt.Errorf("map %q: unsupported update flags %d", m.name, flags)
	}

	if exists {
		s.lru.Add(key, value)
		return nil
	}
	return m.insertLocked(s, key, value)
}

// LookupOrInsert returns the existing value for key, or stores value and
// returns it. inserted reports whether value was stored.
func (m *Map[K, V]) LookupOrInsert(key K, value V) (actual V, inserted bool, err error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.lru.Get(key); ok {
		return v, false, nil
	}
	if err := m.insertLocked(s, key, value); err != nil {
		var zero V
		return zero, false, err
	}
	return value, true, nil
}

func (m *Map[K, V]) insertLocked(s *shard[K, V], key K, value V) error {
	if m.typ == Hash && s.lru.Len() >= s.limit {
		m.stats.Full.Inc()
		return fmt.Errorf("map %q: %w", m.name, ErrMapFull)
	}
	// In LRU mode Add evicts the oldest entry through the eviction callback,
	// which keeps the size counter balanced.
	s.lru.Add(key, value)
	m.size.Inc()
	m.stats.Inserts.Inc()
	return nil
}

// Delete removes key and reports whether it was present.
func (m *Map[K, V]) Delete(key K) bool {
	_, ok := m.LookupAndDelete(key)
	return ok
}

// LookupAndDelete atomically removes key and returns its value.
func (m *Map[K, V]) LookupAndDelete(key K) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.lru.Peek(key)
	if !ok {
		return v, false
	}
	// Remove goes through the eviction callback; undo its eviction count.
	s.lru.Remove(key)
	m.stats.Evictions.Dec()
	return v, true
}

// Range calls fn for every entry until fn returns false. Entries are read
// shard by shard; concurrent updates may or may not be observed.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for _, s := range m.shards {
		s.mu.Lock()
		keys := s.lru.Keys()
		values := make([]V, 0, len(keys))
		for _, k := range keys {
			v, _ := s.lru.Peek(k)
			values = append(values, v)
		}
		s.mu.Unlock()

		for i, k := range keys {
			if !fn(k, values[i]) {
				return
			}
		}
	}
}
