// Package builder assembles section-tagged events directly inside event
// channel slots.
package builder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/amorenoz/packet-tracer/internal/eventchan"
	"github.com/amorenoz/packet-tracer/internal/events"
)

// Builder hands out event handles backed by channel slots.
type Builder struct {
	ch *eventchan.Channel
}

// New creates a builder writing into ch. The slot size bounds the size of
// an event.
func New(ch *eventchan.Channel) (*Builder, error) {
	if ch.SlotSize() < events.EventHeaderSize+events.SectionHeaderSize {
		return nil, fmt.Errorf("slot size %d cannot hold any section", ch.SlotSize())
	}
	if ch.SlotSize() > events.MaxEventSize {
		return nil, fmt.Errorf("slot size %d exceeds the maximum event size %d", ch.SlotSize(), events.MaxEventSize)
	}
	return &Builder{ch: ch}, nil
}

// Handle is an event under construction. It is used by a single probe
// invocation and is not safe for concurrent use. After Submit or Discard
// every operation fails with events.ErrInvalidHandle.
type Handle struct {
	ch    *eventchan.Channel
	res   eventchan.Reservation
	buf   []byte
	used  int
	valid bool
}

// Allocate reserves a slot for a new event. It fails immediately with
// events.ErrResourceExhausted when the channel is full.
func (b *Builder) Allocate() (*Handle, error) {
	res, buf, err := b.ch.Reserve()
	if err != nil {
		if errors.Is(err, eventchan.ErrFull) {
			return nil, events.ErrResourceExhausted
		}
		return nil, fmt.Errorf("%w: %v", events.ErrResourceExhausted, err)
	}
	return &Handle{
		ch:    b.ch,
		res:   res,
		buf:   buf,
		used:  events.EventHeaderSize,
		valid: true,
	}, nil
}

// Valid reports whether the handle can still be written to.
func (h *Handle) Valid() bool {
	return h != nil && h.valid
}

// AppendSection adds a section of size bytes and returns its zeroed
// payload, to be filled in place. On error the event is left unchanged.
func (h *Handle) AppendSection(t events.SectionType, instance uint8, size int) ([]byte, error) {
	if !h.Valid() {
		return nil, events.ErrInvalidHandle
	}
	if size < 0 || size > 0xffff {
		return nil, fmt.Errorf("%w: section size %d", events.ErrNoSpace, size)
	}
	if events.HasSection(h.buf[events.EventHeaderSize:h.used], t, instance) {
		return nil, fmt.Errorf("%w: %s/%d", events.ErrDuplicateSection, t, instance)
	}
	if h.used+events.SectionHeaderSize+size > len(h.buf) {
		return nil, fmt.Errorf("%w: %s/%d needs %d bytes, %d left", events.ErrNoSpace, t, instance,
			events.SectionHeaderSize+size, len(h.buf)-h.used)
	}

	events.PutSectionHeader(h.buf[h.used:], t, instance, size)
	start := h.used + events.SectionHeaderSize
	region := h.buf[start : start+size : start+size]
	clear(region)
	h.used = start + size
	return region, nil
}

// Has reports whether the event already holds the section.
func (h *Handle) Has(t events.SectionType, instance uint8) bool {
	if !h.Valid() {
		return false
	}
	return events.HasSection(h.buf[events.EventHeaderSize:h.used], t, instance)
}

// Put appends a section holding the encoding of a fixed-size payload.
func (h *Handle) Put(t events.SectionType, instance uint8, payload any) error {
	region, err := h.AppendSection(t, instance, binary.Size(payload))
	if err != nil {
		return err
	}
	return events.MarshalPayload(region, payload)
}

// AppendCommon writes the COMMON section. It must be the first section of
// the event.
func (h *Handle) AppendCommon(c events.CommonSection) error {
	if h.Valid() && h.used != events.EventHeaderSize {
		return fmt.Errorf("%w: common section must come first", events.ErrMissingCommon)
	}
	return h.Put(events.SectionCommon, events.InstanceDefault, c)
}

// Len returns the number of bytes written so far, headers included.
func (h *Handle) Len() int {
	return h.used
}

// Submit publishes the event. The handle is invalid afterwards.
func (h *Handle) Submit() error {
	if !h.Valid() {
		return events.ErrInvalidHandle
	}
	h.valid = false
	events.PutEventHeader(h.buf, h.used-events.EventHeaderSize)
	if err := h.ch.Commit(h.res, h.used); err != nil {
		return fmt.Errorf("%w: %v", events.ErrInvalidHandle, err)
	}
	return nil
}

// Discard drops the event, nothing is published. Discarding an invalid
// handle is a no-op.
func (h *Handle) Discard() {
	if !h.Valid() {
		return
	}
	h.valid = false
	_ = h.ch.Release(h.res) //nolint:errcheck // the reservation is owned by this handle
}
