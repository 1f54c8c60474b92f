// Package tracking assigns a stable correlation identity to traced packets.
//
// Packets are keyed by their data buffer head, which clones share, so every
// clone of a packet maps to the same identity. When the data is moved to a
// new buffer, Relocate binds the new head to the existing identity.
package tracking

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"go.uber.org/atomic"

	"github.com/amorenoz/packet-tracer/internal/bpfmap"
)

// Object is anything that can be tracked.
type Object interface {
	// TrackingKey returns the current identity of the object.
	TrackingKey() uint64
}

// Info is the correlation identity of a tracked object.
type Info struct {
	ID uint64
	// OrigHead is the key the object had when first observed.
	OrigHead uint64
	// Timestamp is when the object was first observed.
	Timestamp uint64
	// LastSeen is refreshed on every observation; eviction policies use it.
	LastSeen uint64
}

// IDSource generates correlation ids. It must be safe for concurrent use.
type IDSource func() uint64

// CounterIDs returns an id source counting from 1.
func CounterIDs() IDSource {
	var next atomic.Uint64
	return func() uint64 { return next.Inc() }
}

// Store maps tracking keys to their Info. It never expires entries on its
// own: capacity eviction is handled by the underlying LRU map and age based
// eviction by an external GC.
type Store struct {
	m   *bpfmap.Map[uint64, Info]
	ids IDSource
	now func() uint64
}

// NewStore creates a store of capacity entries. now returns the current
// monotonic time in nanoseconds.
func NewStore(capacity int, ids IDSource, now func() uint64) (*Store, error) {
	if ids == nil {
		ids = CounterIDs()
	}
	if now == nil {
		return nil, errors.New("tracking store needs a clock")
	}
	m, err := bpfmap.New[uint64, Info](bpfmap.Spec{
		Name:       "tracking",
		Type:       bpfmap.LRUHash,
		MaxEntries: capacity,
	}, bpfmap.HashUint64)
	if err != nil {
		return nil, fmt.Errorf("creating tracking map: %w", err)
	}
	return &Store{m: m, ids: ids, now: now}, nil
}

// Observe returns the Info of obj, creating it on first sight. Concurrent
// first observations of the same key agree on a single Info.
func (s *Store) Observe(obj Object) (Info, error) {
	key := obj.TrackingKey()
	now := s.now()

	if info, ok := s.m.Lookup(key); ok {
		info.LastSeen = now
		// Last writer wins on LastSeen; the identity fields never change.
		_ = s.m.Update(key, info, ebpf.UpdateExist) //nolint:errcheck // entry may have been evicted meanwhile
		return info, nil
	}

	fresh := Info{
		ID:        s.ids(),
		OrigHead:  key,
		Timestamp: now,
		LastSeen:  now,
	}
	info, _, err := s.m.LookupOrInsert(key, fresh)
	if err != nil {
		return Info{}, fmt.Errorf("tracking %#x: %w", key, err)
	}
	return info, nil
}

// Lookup returns the Info of obj. Untracked objects are the normal case for
// packets seen before tracking started, not an error.
func (s *Store) Lookup(obj Object) (Info, bool) {
	return s.LookupKey(obj.TrackingKey())
}

// LookupKey returns the Info stored under key.
func (s *Store) LookupKey(key uint64) (Info, bool) {
	return s.m.Lookup(key)
}

// Relocate makes newKey refer to the identity of oldKey, after the object
// data moved. oldKey keeps it too, as clones may still share the old data;
// it goes away when that data is freed. It reports false when oldKey was not
// tracked.
func (s *Store) Relocate(oldKey, newKey uint64) (bool, error) {
	info, ok := s.m.Lookup(oldKey)
	if !ok {
		return false, nil
	}
	info.LastSeen = s.now()
	if err := s.m.Update(newKey, info, ebpf.UpdateAny); err != nil {
		return false, fmt.Errorf("relocating %#x to %#x: %w", oldKey, newKey, err)
	}
	return true, nil
}

// Forget removes key, when the object is freed.
func (s *Store) Forget(key uint64) bool {
	return s.m.Delete(key)
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	return s.m.Len()
}

// Range iterates over the tracked keys. It is meant for eviction policies.
func (s *Store) Range(fn func(key uint64, info Info) bool) {
	s.m.Range(fn)
}
