// Package inflight correlates the entry and the exit of an operation, or
// nested probe sites within it, when they run on the same thread. The entry
// point records a payload under (thread id, operation kind) and the later
// sites look it up.
package inflight

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/amorenoz/packet-tracer/internal/bpfmap"
	"github.com/amorenoz/packet-tracer/internal/logging"
	"github.com/amorenoz/packet-tracer/internal/metrics"
)

// Kind names an operation whose entry and exit are correlated.
type Kind string

// Key identifies an inflight operation.
type Key struct {
	TID  uint64
	Kind Kind
}

func hashKey(k Key) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], k.TID)
	h := xxh3.New()
	_, _ = h.Write(b[:])
	_, _ = h.WriteString(string(k.Kind))
	return h.Sum64()
}

// Store holds the inflight operations. Entries live until the matching End;
// there is no timeout.
type Store struct {
	m   *bpfmap.Map[Key, any]
	log zerolog.Logger
}

// NewStore creates a store of capacity entries.
func NewStore(capacity int, log zerolog.Logger) (*Store, error) {
	m, err := bpfmap.New[Key, any](bpfmap.Spec{
		Name:       "inflight",
		Type:       bpfmap.Hash,
		MaxEntries: capacity,
	}, hashKey)
	if err != nil {
		return nil, fmt.Errorf("creating inflight map: %w", err)
	}
	return &Store{
		m:   m,
		log: logging.HotPath(log.With().Str("component", "inflight").Logger()),
	}, nil
}

// Begin records payload for (tid, kind). An entry left over by an
// operation whose exit was never observed is overwritten: replaced reports
// it and the collision is counted. Begin fails with bpfmap.ErrMapFull when
// the store is full, in which case the correlated data is simply missing
// later.
func (s *Store) Begin(tid uint64, kind Kind, payload any) (replaced bool, err error) {
	key := Key{TID: tid, Kind: kind}
	err = s.m.Update(key, payload, ebpf.UpdateNoExist)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ebpf.ErrKeyExist) {
		return false, err
	}

	if err := s.m.Update(key, payload, ebpf.UpdateAny); err != nil {
		return false, err
	}
	metrics.InflightCollisions.WithLabelValues(string(kind)).Inc()
	s.log.Warn().Uint64("tid", tid).Str("kind", string(kind)).Msg("overwriting stale inflight entry")
	return true, nil
}

// End removes and returns the payload of (tid, kind).
func (s *Store) End(tid uint64, kind Kind) (any, bool) {
	payload, ok := s.m.LookupAndDelete(Key{TID: tid, Kind: kind})
	if !ok {
		metrics.InflightMisses.WithLabelValues(string(kind)).Inc()
	}
	return payload, ok
}

// Peek returns the payload of (tid, kind) without removing it, for sites
// nested inside the operation.
func (s *Store) Peek(tid uint64, kind Kind) (any, bool) {
	payload, ok := s.m.Lookup(Key{TID: tid, Kind: kind})
	if !ok {
		metrics.InflightMisses.WithLabelValues(string(kind)).Inc()
	}
	return payload, ok
}

// Len returns the number of inflight operations.
func (s *Store) Len() int {
	return s.m.Len()
}

// EndAs is End with the payload converted to T. A payload of another type
// counts as a miss.
func EndAs[T any](s *Store, tid uint64, kind Kind) (T, bool) {
	payload, ok := s.End(tid, kind)
	v, isT := payload.(T)
	return v, ok && isT
}

// PeekAs is Peek with the payload converted to T.
func PeekAs[T any](s *Store, tid uint64, kind Kind) (T, bool) {
	payload, ok := s.Peek(tid, kind)
	v, isT := payload.(T)
	return v, ok && isT
}
