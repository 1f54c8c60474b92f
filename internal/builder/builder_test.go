package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amorenoz/packet-tracer/internal/eventchan"
	"github.com/amorenoz/packet-tracer/internal/events"
)

func newBuilder(t *testing.T, depth, size int) (*Builder, *eventchan.Channel) {
	t.Helper()
	ch, err := eventchan.New(depth, size)
	require.NoError(t, err)
	b, err := New(ch)
	require.NoError(t, err)
	return b, ch
}

func TestNew_SlotSize(t *testing.T) {
	ch, err := eventchan.New(1, 4)
	require.NoError(t, err)
	_, err = New(ch)
	assert.Error(t, err)

	ch, err = eventchan.New(1, events.MaxEventSize+1)
	require.NoError(t, err)
	_, err = New(ch)
	assert.Error(t, err)
}

func TestBuildAndSubmit(t *testing.T) {
	b, ch := newBuilder(t, 4, events.DefaultMaxEventSize)

	h, err := b.Allocate()
	require.NoError(t, err)
	require.NoError(t, h.Put(events.SectionCommon, events.InstanceDefault, &events.CommonSection{Timestamp: 10}))
	region, err := h.AppendSection(events.SectionSkbDrop, events.InstanceDefault, 4)
	require.NoError(t, err)
	region[0] = 2
	require.NoError(t, h.Submit())

	record, err := ch.Read(context.Background())
	require.NoError(t, err)

	raw, err := events.ParseRaw(record)
	require.NoError(t, err)
	require.Len(t, raw.Sections, 2)
	assert.Equal(t, events.SectionCommon, raw.Sections[0].Type)
	assert.Equal(t, events.SectionSkbDrop, raw.Sections[1].Type)
	assert.Equal(t, []byte{2, 0, 0, 0}, raw.Sections[1].Payload)
}

func TestAppendSection_ZeroedRegion(t *testing.T) {
	b, ch := newBuilder(t, 1, 64)

	// Dirty the only slot, then reuse it.
	h, err := b.Allocate()
	require.NoError(t, err)
	region, err := h.AppendSection(events.SectionCommon, 1, 20)
	require.NoError(t, err)
	for i := range region {
		region[i] = 0xff
	}
	require.NoError(t, h.Submit())
	_, err = ch.Read(context.Background())
	require.NoError(t, err)

	h, err = b.Allocate()
	require.NoError(t, err)
	region, err = h.AppendSection(events.SectionCommon, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 20), region)
}

func TestAppendSection_Duplicate(t *testing.T) {
	b, _ := newBuilder(t, 1, 128)
	h, err := b.Allocate()
	require.NoError(t, err)

	_, err = h.AppendSection(events.SectionCommon, 1, 20)
	require.NoError(t, err)
	before := h.Len()

	_, err = h.AppendSection(events.SectionCommon, 1, 20)
	assert.ErrorIs(t, err, events.ErrDuplicateSection)
	assert.Equal(t, before, h.Len())

	// Another instance of the same type is fine.
	_, err = h.AppendSection(events.SectionCommon, 2, 4)
	assert.NoError(t, err)
}

func TestAppendSection_NoSpace(t *testing.T) {
	// Scenario: 1024 bytes slot, 996 already used, a 30 bytes section
	// needs 34 bytes with its header but only 28 are left.
	b, ch := newBuilder(t, 1, 1024)
	h, err := b.Allocate()
	require.NoError(t, err)

	_, err = h.AppendSection(events.SectionCommon, 1, 996-events.EventHeaderSize-events.SectionHeaderSize)
	require.NoError(t, err)
	require.Equal(t, 996, h.Len())

	_, err = h.AppendSection(events.SectionSkb, events.SkbInstanceEth, 30)
	assert.ErrorIs(t, err, events.ErrNoSpace)
	assert.Equal(t, 996, h.Len())

	// The event is still usable and exactly fills the slot.
	_, err = h.AppendSection(events.SectionSkbDrop, 1, 24)
	require.NoError(t, err)
	assert.Equal(t, 1024, h.Len())
	require.NoError(t, h.Submit())

	record, err := ch.Read(context.Background())
	require.NoError(t, err)
	raw, err := events.ParseRaw(record)
	require.NoError(t, err)
	assert.Len(t, raw.Sections, 2)
}

func TestAllocate_Exhausted(t *testing.T) {
	b, _ := newBuilder(t, 2, 64)

	h1, err := b.Allocate()
	require.NoError(t, err)
	_, err = b.Allocate()
	require.NoError(t, err)

	_, err = b.Allocate()
	assert.ErrorIs(t, err, events.ErrResourceExhausted)

	h1.Discard()
	_, err = b.Allocate()
	assert.NoError(t, err)
}

func TestHandle_InvalidAfterTerminalOps(t *testing.T) {
	b, ch := newBuilder(t, 2, 64)

	h, err := b.Allocate()
	require.NoError(t, err)
	h.Discard()

	_, err = h.AppendSection(events.SectionCommon, 1, 4)
	assert.ErrorIs(t, err, events.ErrInvalidHandle)
	assert.ErrorIs(t, h.Submit(), events.ErrInvalidHandle)
	h.Discard()
	assert.False(t, h.Valid())

	h, err = b.Allocate()
	require.NoError(t, err)
	_, err = h.AppendSection(events.SectionCommon, 1, 4)
	require.NoError(t, err)
	require.NoError(t, h.Submit())
	assert.ErrorIs(t, h.Submit(), events.ErrInvalidHandle)
	h.Discard()

	// Only the submitted event was published.
	assert.Equal(t, 1, ch.Poll(func([]byte) {}))

	var nilHandle *Handle
	assert.False(t, nilHandle.Valid())
	_, err = nilHandle.AppendSection(events.SectionCommon, 1, 4)
	assert.ErrorIs(t, err, events.ErrInvalidHandle)
}

func TestDiscard_PublishesNothing(t *testing.T) {
	b, ch := newBuilder(t, 1, 64)
	h, err := b.Allocate()
	require.NoError(t, err)
	_, err = h.AppendSection(events.SectionCommon, 1, 20)
	require.NoError(t, err)
	h.Discard()

	assert.Equal(t, 0, ch.Poll(func([]byte) {}))
	assert.Equal(t, uint64(1), ch.Stats().Released.Load())
}

func TestAppendCommon_MustBeFirst(t *testing.T) {
	b, _ := newBuilder(t, 2, 128)

	h, err := b.Allocate()
	require.NoError(t, err)
	require.NoError(t, h.AppendCommon(events.CommonSection{Timestamp: 1, PID: 2}))
	assert.Equal(t, events.EventHeaderSize+events.SectionHeaderSize+20, h.Len())
	assert.ErrorIs(t, h.AppendCommon(events.CommonSection{}), events.ErrMissingCommon)
	h.Discard()

	h, err = b.Allocate()
	require.NoError(t, err)
	require.NoError(t, h.Put(events.SectionSkbDrop, events.InstanceDefault, &events.SkbDropSection{Reason: 2}))
	assert.ErrorIs(t, h.AppendCommon(events.CommonSection{}), events.ErrMissingCommon)
}

func TestHandle_Has(t *testing.T) {
	b, _ := newBuilder(t, 1, 128)
	h, err := b.Allocate()
	require.NoError(t, err)
	require.NoError(t, h.AppendCommon(events.CommonSection{}))

	assert.True(t, h.Has(events.SectionCommon, events.InstanceDefault))
	assert.False(t, h.Has(events.SectionSkbTracking, events.InstanceDefault))

	h.Discard()
	assert.False(t, h.Has(events.SectionCommon, events.InstanceDefault))
}
