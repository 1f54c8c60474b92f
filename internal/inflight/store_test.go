package inflight

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amorenoz/packet-tracer/internal/bpfmap"
)

type execCtx struct {
	Skb uint64
}

func newStore(t *testing.T, capacity int) *Store {
	t.Helper()
	s, err := NewStore(capacity, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestBeginEnd(t *testing.T) {
	s := newStore(t, 16)

	replaced, err := s.Begin(100, "exec", execCtx{Skb: 0xAA})
	require.NoError(t, err)
	assert.False(t, replaced)

	// Another kind on the same thread is a miss, and leaves exec alone.
	_, ok := s.End(100, "lookup")
	assert.False(t, ok)

	got, ok := EndAs[execCtx](s, 100, "exec")
	require.True(t, ok)
	assert.Equal(t, execCtx{Skb: 0xAA}, got)

	// The entry is consumed.
	_, ok = s.End(100, "exec")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestPeek_DoesNotConsume(t *testing.T) {
	s := newStore(t, 16)
	_, err := s.Begin(1, "exec", execCtx{Skb: 1})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, ok := PeekAs[execCtx](s, 1, "exec")
		require.True(t, ok)
		assert.Equal(t, uint64(1), got.Skb)
	}
	_, ok := s.End(1, "exec")
	assert.True(t, ok)
}

func TestBegin_Collision(t *testing.T) {
	s := newStore(t, 16)
	_, err := s.Begin(1, "exec", execCtx{Skb: 1})
	require.NoError(t, err)

	// The exit of the first operation was lost: the new entry wins.
	replaced, err := s.Begin(1, "exec", execCtx{Skb: 2})
	require.NoError(t, err)
	assert.True(t, replaced)

	got, ok := EndAs[execCtx](s, 1, "exec")
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Skb)
}

func TestBegin_Full(t *testing.T) {
	s := newStore(t, 1)
	_, err := s.Begin(1, "exec", nil)
	require.NoError(t, err)

	_, err = s.Begin(2, "exec", nil)
	assert.ErrorIs(t, err, bpfmap.ErrMapFull)

	// Overwriting an existing key still works on a full store.
	replaced, err := s.Begin(1, "exec", nil)
	require.NoError(t, err)
	assert.True(t, replaced)
}

func TestEndAs_WrongType(t *testing.T) {
	s := newStore(t, 4)
	_, err := s.Begin(1, "exec", "not an execCtx")
	require.NoError(t, err)

	_, ok := EndAs[execCtx](s, 1, "exec")
	assert.False(t, ok)
}

func TestThreadsAreIndependent(t *testing.T) {
	s := newStore(t, 256)

	var wg sync.WaitGroup
	for tid := uint64(1); tid <= 64; tid++ {
		wg.Add(1)
		go func(tid uint64) {
			defer wg.Done()
			for i := uint64(0); i < 100; i++ {
				if _, err := s.Begin(tid, "exec", execCtx{Skb: tid*1000 + i}); err != nil {
					t.Errorf("Begin(%d): %v", tid, err)
					return
				}
				got, ok := EndAs[execCtx](s, tid, "exec")
				if !ok || got.Skb != tid*1000+i {
					t.Errorf("tid %d got %+v, %v", tid, got, ok)
					return
				}
			}
		}(tid)
	}
	wg.Wait()
	assert.Equal(t, 0, s.Len())
}
