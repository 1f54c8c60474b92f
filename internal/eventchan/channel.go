// Package eventchan implements the bounded channel carrying raw events from
// producers to the consumer. It is the in-process counterpart of the BPF
// ring buffer: producers reserve a fixed-size slot, fill it in place and
// publish it, or give it back. Reservation never blocks.
package eventchan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/atomic"
)

var (
	// ErrFull is returned by Reserve when every slot is in use.
	ErrFull = errors.New("event channel is full")
	// ErrStaleReservation is returned when a reservation was already
	// committed or released.
	ErrStaleReservation = errors.New("stale reservation")
)

// Reservation identifies a reserved slot. It is valid for exactly one
// Commit or Release.
type Reservation struct {
	idx uint32
	gen uint64
}

type slot struct {
	gen atomic.Uint64
	n   int
	buf []byte
}

// Stats holds the channel counters.
type Stats struct {
	Reserved  *atomic.Uint64
	Exhausted *atomic.Uint64
	Committed *atomic.Uint64
	Released  *atomic.Uint64
}

// Channel is a multi-producer single-consumer channel of raw events.
type Channel struct {
	slots    []slot
	slotSize int
	free     *queue
	ready    *queue
	notify   chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	once     sync.Once
	stats    Stats
}

// New creates a channel of depth slots of slotSize bytes each.
func New(depth, slotSize int) (*Channel, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("event channel depth must be positive, got %d", depth)
	}
	if slotSize <= 0 {
		return nil, fmt.Errorf("event slot size must be positive, got %d", slotSize)
	}

	c := &Channel{
		slots:    make([]slot, depth),
		slotSize: slotSize,
		free:     newQueue(depth),
		ready:    newQueue(depth),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stats: Stats{
			Reserved:  atomic.NewUint64(0),
			Exhausted: atomic.NewUint64(0),
			Committed: atomic.NewUint64(0),
			Released:  atomic.NewUint64(0),
		},
	}
	backing := make([]byte, depth*slotSize)
	for i := range c.slots {
		c.slots[i].buf = backing[i*slotSize : (i+1)*slotSize : (i+1)*slotSize]
		c.free.push(uint32(i)) //nolint:gosec // depth fits the queue
	}
	return c, nil
}

// SlotSize returns the size of a slot.
func (c *Channel) SlotSize() int { return c.slotSize }

// Depth returns the number of slots.
func (c *Channel) Depth() int { return len(c.slots) }

// Stats returns the channel counters.
func (c *Channel) Stats() Stats { return c.stats }

// Reserve claims a free slot and returns it for in-place writing. It fails
// with ErrFull, leaving the channel untouched, when no slot is free.
func (c *Channel) Reserve() (Reservation, []byte, error) {
	if c.closed.Load() {
		return Reservation{}, nil, os.ErrClosed
	}
	idx, ok := c.free.pop()
	if !ok {
		c.stats.Exhausted.Inc()
		return Reservation{}, nil, ErrFull
	}
	s := &c.slots[idx]
	gen := s.gen.Inc()
	c.stats.Reserved.Inc()
	return Reservation{idx: idx, gen: gen}, s.buf, nil
}

// claim terminates a reservation. Only the first terminal call succeeds.
func (c *Channel) claim(r Reservation) (*slot, error) {
	if int(r.idx) >= len(c.slots) {
		return nil, ErrStaleReservation
	}
	s := &c.slots[r.idx]
	if r.gen == 0 || !s.gen.CompareAndSwap(r.gen, r.gen+1) {
		return nil, ErrStaleReservation
	}
	return s, nil
}

// Commit publishes the first n bytes of a reserved slot.
func (c *Channel) Commit(r Reservation, n int) error {
	if n < 0 || n > c.slotSize {
		return fmt.Errorf("committing %d bytes in a %d bytes slot", n, c.slotSize)
	}
	s, err := c.claim(r)
	if err != nil {
		return err
	}
	s.n = n
	c.ready.push(r.idx)
	c.stats.Committed.Inc()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Release gives a reserved slot back without publishing it.
func (c *Channel) Release(r Reservation) error {
	if _, err := c.claim(r); err != nil {
		return err
	}
	c.free.push(r.idx)
	c.stats.Released.Inc()
	return nil
}

// Poll hands every published record to fn, then recycles its slot. The
// record is only valid during the call. It returns the number of records.
func (c *Channel) Poll(fn func(record []byte)) int {
	n := 0
	for {
		idx, ok := c.ready.pop()
		if !ok {
			return n
		}
		s := &c.slots[idx]
		fn(s.buf[:s.n])
		c.free.push(idx)
		n++
	}
}

// Read waits for the next published record and returns a copy of it. It
// returns os.ErrClosed once the channel is closed and drained.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	for {
		if idx, ok := c.ready.pop(); ok {
			s := &c.slots[idx]
			record := make([]byte, s.n)
			copy(record, s.buf[:s.n])
			c.free.push(idx)
			return record, nil
		}

		select {
		case <-c.notify:
		case <-c.done:
			// Drain what was published before closing.
			if idx, ok := c.ready.pop(); ok {
				s := &c.slots[idx]
				record := make([]byte, s.n)
				copy(record, s.buf[:s.n])
				c.free.push(idx)
				return record, nil
			}
			return nil, os.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops the channel. Pending records can still be read; new
// reservations fail.
func (c *Channel) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

// Reader adapts the channel to the blocking Read() interface used by
// event streams.
type Reader struct {
	ch  *Channel
	ctx context.Context
}

// NewReader returns a reader over c. Reads stop when ctx is done or the
// channel is closed.
func NewReader(ctx context.Context, c *Channel) *Reader {
	return &Reader{ch: c, ctx: ctx}
}

// Read returns the next record. Once the context is done, whether
// cancelled or past its deadline, it returns os.ErrClosed.
func (r *Reader) Read() ([]byte, error) {
	record, err := r.ch.Read(r.ctx)
	if err != nil && r.ctx.Err() != nil {
		return nil, os.ErrClosed
	}
	return record, err
}

// Close closes the underlying channel.
func (r *Reader) Close() error {
	return r.ch.Close()
}
