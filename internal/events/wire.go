package events

import (
	"encoding/binary"
	"fmt"
)

// Wire layout, little endian and packed:
//
//	event:   u16 size | section...          (size covers the sections only)
//	section: u8 type | u8 instance | u16 len | payload[len]
const (
	EventHeaderSize   = 2
	SectionHeaderSize = 4

	// DefaultMaxEventSize is the default size of an event slot, headers
	// included.
	DefaultMaxEventSize = 1024
	// MaxEventSize is the largest slot the u16 size field can describe.
	MaxEventSize = EventHeaderSize + 0xffff
)

// RawSection is a section as found on the wire. Payload aliases the buffer
// it was parsed from.
type RawSection struct {
	Type     SectionType
	Instance uint8
	Payload  []byte
}

// RawEvent is the ordered list of sections of one event.
type RawEvent struct {
	Sections []RawSection
}

// PutEventHeader writes the size of the section area.
func PutEventHeader(b []byte, size int) {
	binary.LittleEndian.PutUint16(b, uint16(size)) //nolint:gosec // bounded by MaxEventSize
}

// PutSectionHeader writes a section header.
func PutSectionHeader(b []byte, t SectionType, instance uint8, size int) {
	b[0] = uint8(t)
	b[1] = instance
	binary.LittleEndian.PutUint16(b[2:], uint16(size)) //nolint:gosec // bounded by MaxEventSize
}

// HasSection walks the section headers of a section area and reports
// whether (t, instance) is already present.
func HasSection(area []byte, t SectionType, instance uint8) bool {
	for len(area) >= SectionHeaderSize {
		if SectionType(area[0]) == t && area[1] == instance {
			return true
		}
		l := int(binary.LittleEndian.Uint16(area[2:]))
		if SectionHeaderSize+l > len(area) {
			return false
		}
		area = area[SectionHeaderSize+l:]
	}
	return false
}

// ParseRaw splits a raw event into its sections. It checks the framing
// only: every section must fit in the event, COMMON must come first and a
// (type, instance) pair must not repeat.
func ParseRaw(b []byte) (*RawEvent, error) {
	if len(b) < EventHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, no event header", ErrTruncated, len(b))
	}
	size := int(binary.LittleEndian.Uint16(b))
	if size > len(b)-EventHeaderSize {
		return nil, fmt.Errorf("%w: event size %d but only %d bytes", ErrTruncated, size, len(b)-EventHeaderSize)
	}

	area := b[EventHeaderSize : EventHeaderSize+size]
	ev := &RawEvent{}
	for off := 0; off < len(area); {
		if len(area)-off < SectionHeaderSize {
			return nil, fmt.Errorf("%w: partial section header at offset %d", ErrTruncated, off)
		}
		t := SectionType(area[off])
		instance := area[off+1]
		l := int(binary.LittleEndian.Uint16(area[off+2:]))
		start := off + SectionHeaderSize
		if l > len(area)-start {
			return nil, fmt.Errorf("%w: section %s/%d is %d bytes, %d left", ErrTruncated, t, instance, l, len(area)-start)
		}
		for _, s := range ev.Sections {
			if s.Type == t && s.Instance == instance {
				return nil, fmt.Errorf("%w: %s/%d", ErrDuplicateSection, t, instance)
			}
		}
		ev.Sections = append(ev.Sections, RawSection{
			Type:     t,
			Instance: instance,
			Payload:  area[start : start+l],
		})
		off = start + l
	}

	if len(ev.Sections) == 0 || ev.Sections[0].Type != SectionCommon {
		return nil, ErrMissingCommon
	}
	return ev, nil
}

// Encode serializes sections back into the wire format. It is the inverse
// of ParseRaw and is used by tests and event replays.
func Encode(sections []RawSection) ([]byte, error) {
	size := 0
	for _, s := range sections {
		size += SectionHeaderSize + len(s.Payload)
	}
	if size > MaxEventSize-EventHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes of sections", ErrNoSpace, size)
	}

	b := make([]byte, EventHeaderSize+size)
	PutEventHeader(b, size)
	off := EventHeaderSize
	for _, s := range sections {
		PutSectionHeader(b[off:], s.Type, s.Instance, len(s.Payload))
		off += SectionHeaderSize
		off += copy(b[off:], s.Payload)
	}
	return b, nil
}

// decodePayload decodes a fixed-size payload into v.
func decodePayload(s RawSection, v any) error {
	want := binary.Size(v)
	if len(s.Payload) != want {
		return fmt.Errorf("%w: %s/%d payload is %d bytes, want %d", ErrReadFailure, s.Type, s.Instance, len(s.Payload), want)
	}
	if _, err := binary.Decode(s.Payload, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("%w: %s/%d: %v", ErrReadFailure, s.Type, s.Instance, err)
	}
	return nil
}

// MarshalPayload encodes a fixed-size payload struct into b, which must be
// exactly binary.Size(v) bytes.
func MarshalPayload(b []byte, v any) error {
	if _, err := binary.Encode(b, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("encoding %T: %w", v, err)
	}
	return nil
}
