// Package skb models the kernel socket buffers seen by probes: an object
// address, a shared data buffer and the metadata collectors read from it.
package skb

import "go.uber.org/atomic"

// Buff is a traced socket buffer.
type Buff struct {
	// Addr is the address of the buffer object; clones get their own.
	Addr uint64
	// Head is the address of the data buffer, shared by clones.
	Head uint64
	// Data holds the packet bytes starting at the link layer.
	Data []byte

	Dev       string
	Ifindex   uint32
	RxIfindex uint32
	Netns     uint32

	Nohdr  bool
	Cloned bool
	Fclone uint8
	Users  uint8
	// dataref is shared by clones, as the data buffer is.
	dataref *atomic.Uint32

	// DropReason is set when the buffer is being freed on a drop path.
	DropReason int32
}

// New returns a buffer holding data.
func New(addr, head uint64, data []byte) *Buff {
	return &Buff{
		Addr:    addr,
		Head:    head,
		Data:    data,
		Users:   1,
		dataref: atomic.NewUint32(1),
	}
}

// TrackingKey returns the data head, which identifies the packet across
// clones.
func (b *Buff) TrackingKey() uint64 {
	return b.Head
}

// Dataref returns the number of buffers sharing the data.
func (b *Buff) Dataref() uint8 {
	if b.dataref == nil {
		return 1
	}
	return uint8(b.dataref.Load()) //nolint:gosec // kernel dataref is a small counter
}

// Clone returns a new buffer at addr sharing the data of b.
func (b *Buff) Clone(addr uint64) *Buff {
	if b.dataref == nil {
		b.dataref = atomic.NewUint32(1)
	}
	b.dataref.Inc()
	b.Cloned = true

	c := *b
	c.Addr = addr
	c.Users = 1
	return &c
}

// Realloc moves the data to a new buffer at head, as pskb_expand_head
// does. The buffer stops sharing its data with former clones. It reports
// whether the old data had no other user and was freed.
func (b *Buff) Realloc(head uint64) bool {
	freed := b.dataref == nil || b.dataref.Dec() == 0
	b.Head = head
	b.Cloned = false
	b.dataref = atomic.NewUint32(1)
	b.Data = append([]byte(nil), b.Data...)
	return freed
}

// Release drops the reference b holds on its data. It reports whether b
// was the last user, in which case the data head is freed.
func (b *Buff) Release() bool {
	if b.dataref == nil {
		return true
	}
	return b.dataref.Dec() == 0
}
