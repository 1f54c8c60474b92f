package eventchan

import (
	"go.uber.org/atomic"
)

// queue is a bounded lock-free MPMC queue of slot indexes. Every cell holds
// a sequence number telling producers and consumers whose turn it is, so
// a push or pop is a single compare-and-swap on the shared position.
type queue struct {
	mask  uint64
	cells []cell
	_     [56]byte
	head  atomic.Uint64 // next position to push
	_     [56]byte
	tail  atomic.Uint64 // next position to pop
}

type cell struct {
	seq atomic.Uint64
	val uint32
}

// newQueue creates a queue holding at least size elements.
func newQueue(size int) *queue {
	n := uint64(1)
	for n < uint64(size) {
		n <<= 1
	}
	q := &queue{
		mask:  n - 1,
		cells: make([]cell, n),
	}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// push adds v and reports false when the queue is full.
func (q *queue) push(v uint32) bool {
	pos := q.head.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch diff := int64(seq) - int64(pos); { //nolint:gosec // wrapping difference is intended
		case diff == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = q.head.Load()
		case diff < 0:
			return false
		default:
			pos = q.head.Load()
		}
	}
}

// pop removes the oldest element and reports false when the queue is empty.
func (q *queue) pop() (uint32, bool) {
	pos := q.tail.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch diff := int64(seq) - int64(pos+1); { //nolint:gosec // wrapping difference is intended
		case diff == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				v := c.val
				c.seq.Store(pos + q.mask + 1)
				return v, true
			}
			pos = q.tail.Load()
		case diff < 0:
			return 0, false
		default:
			pos = q.tail.Load()
		}
	}
}
