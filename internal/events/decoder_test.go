package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSymbols map[uint64]string

func (s staticSymbols) SymbolName(addr uint64) (string, bool) {
	name, ok := s[addr]
	return name, ok
}

type staticReasons map[int32]string

func (s staticReasons) ReasonName(r int32) (string, bool) {
	name, ok := s[r]
	return name, ok
}

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	reg := NewRegistry(staticSymbols{0xffffffff81000000: "ip_rcv"})
	require.NoError(t, reg.Register(SectionSkbTracking, SkbTrackingFactory()))
	require.NoError(t, reg.Register(SectionSkbDrop, SkbDropFactory(staticReasons{2: "NOT_SPECIFIED"})))
	require.NoError(t, reg.Register(SectionSkb, SkbFactory()))
	require.NoError(t, reg.Register(SectionOvs, OvsFactory()))
	return NewDecoder(reg, zerolog.Nop())
}

func TestRegistry_RegisterTwice(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(SectionSkb, SkbFactory()))
	assert.Error(t, reg.Register(SectionSkb, SkbFactory()))
	assert.Error(t, reg.Register(SectionCommon, SkbFactory()))
	assert.Error(t, reg.Register(SectionType(200), SkbFactory()))
}

func TestDecode_FullEvent(t *testing.T) {
	d := newTestDecoder(t)

	b, err := Encode([]RawSection{
		commonSection(t, 1000),
		{Type: SectionKernel, Instance: InstanceDefault, Payload: payload(t, &KernelSection{Symbol: 0xffffffff81000000, ProbeType: ProbeTypeKprobe})},
		{Type: SectionSkbTracking, Instance: InstanceDefault, Payload: payload(t, &SkbTrackingSection{ID: 7, OrigHead: 0xaa, Timestamp: 900, Skb: 0xbb})},
		{Type: SectionSkbDrop, Instance: InstanceDefault, Payload: payload(t, &SkbDropSection{Reason: 2})},
		{Type: SectionSkb, Instance: SkbInstanceIPv4, Payload: payload(t, &SkbIPv4Section{
			Src: [4]byte{10, 0, 0, 1}, Dst: [4]byte{10, 0, 0, 2}, Len: 60, Protocol: 6, TTL: 64,
		})},
		{Type: SectionSkb, Instance: SkbInstanceTCP, Payload: payload(t, &SkbTCPSection{Sport: 1234, Dport: 80, Flags: TCPFlagSYN})},
		{Type: SectionSkb, Instance: SkbInstanceDev, Payload: payload(t, &SkbDevSection{Name: [16]byte{'e', 't', 'h', '0'}, Ifindex: 2})},
		{Type: SectionOvs, Instance: OvsInstanceExec, Payload: payload(t, &OvsExecSection{Skb: 0xbb, Recirc: 3})},
	})
	require.NoError(t, err)

	ev, err := d.Decode(b)
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), ev.Common.Timestamp)
	require.NotNil(t, ev.Kernel)
	assert.Equal(t, "ip_rcv", ev.Kernel.Symbol)
	assert.Equal(t, "kprobe", ev.Kernel.ProbeType)
	assert.Equal(t, "ip_rcv", ev.Symbol())

	id, ok := ev.TrackingID()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), id)

	require.NotNil(t, ev.SkbDrop)
	assert.Equal(t, "NOT_SPECIFIED", ev.SkbDrop.ReasonName)

	require.NotNil(t, ev.Skb)
	require.NotNil(t, ev.Skb.IP)
	assert.Equal(t, "10.0.0.1", ev.Skb.IP.Src)
	assert.Equal(t, uint8(4), ev.Skb.IP.Version)
	require.NotNil(t, ev.Skb.TCP)
	assert.Equal(t, uint16(80), ev.Skb.TCP.Dport)
	require.NotNil(t, ev.Skb.Dev)
	assert.Equal(t, "eth0", ev.Skb.Dev.Name)
	assert.Nil(t, ev.Skb.UDP)

	require.NotNil(t, ev.Ovs)
	require.NotNil(t, ev.Ovs.Exec)
	assert.Equal(t, uint32(3), ev.Ovs.Exec.Recirc)
	assert.Nil(t, ev.Userspace)
}

func TestDecode_CommonOnly(t *testing.T) {
	d := newTestDecoder(t)
	b, err := Encode([]RawSection{commonSection(t, 5)})
	require.NoError(t, err)

	ev, err := d.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ev.Common.Timestamp)
	assert.Nil(t, ev.Kernel)
	assert.Nil(t, ev.Skb)
	_, ok := ev.TrackingID()
	assert.False(t, ok)
}

func TestDecode_UnknownTypeSkipped(t *testing.T) {
	d := newTestDecoder(t)
	b, err := Encode([]RawSection{
		commonSection(t, 5),
		{Type: SectionType(99), Instance: 1, Payload: []byte{1, 2, 3}},
		{Type: SectionSkbDrop, Instance: InstanceDefault, Payload: payload(t, &SkbDropSection{Reason: 5})},
	})
	require.NoError(t, err)

	ev, err := d.Decode(b)
	require.NoError(t, err)
	require.NotNil(t, ev.SkbDrop)
	assert.Equal(t, int32(5), ev.SkbDrop.Reason)
	assert.Empty(t, ev.SkbDrop.ReasonName)
}

func TestDecode_UnresolvedSymbol(t *testing.T) {
	d := newTestDecoder(t)
	b, err := Encode([]RawSection{
		commonSection(t, 5),
		{Type: SectionKernel, Instance: InstanceDefault, Payload: payload(t, &KernelSection{Symbol: 0x1234, ProbeType: ProbeTypeKretprobe})},
	})
	require.NoError(t, err)

	ev, err := d.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "0x1234", ev.Kernel.Symbol)
	assert.Equal(t, "kretprobe", ev.Kernel.ProbeType)
}

func TestDecode_BadSectionSkipped(t *testing.T) {
	d := newTestDecoder(t)
	b, err := Encode([]RawSection{
		commonSection(t, 5),
		// Wrong payload size for the tracking section.
		{Type: SectionSkbTracking, Instance: InstanceDefault, Payload: []byte{1, 2, 3}},
		{Type: SectionSkb, Instance: SkbInstanceNs, Payload: payload(t, &SkbNsSection{Netns: 4026531840})},
	})
	require.NoError(t, err)

	ev, err := d.Decode(b)
	require.NoError(t, err)
	assert.Nil(t, ev.SkbTracking)
	require.NotNil(t, ev.Skb)
	assert.Equal(t, uint32(4026531840), ev.Skb.Netns.Netns)
}

func TestDecode_BadInstanceSkipped(t *testing.T) {
	d := newTestDecoder(t)
	b, err := Encode([]RawSection{
		commonSection(t, 5),
		{Type: SectionSkb, Instance: SkbInstanceEth, Payload: payload(t, &SkbEthSection{
			Src: [6]byte{2, 0, 0, 0, 0, 1}, Dst: [6]byte{2, 0, 0, 0, 0, 2}, EtherType: 0x0800,
		})},
		{Type: SectionSkb, Instance: 42, Payload: []byte{1, 2, 3, 4}},
		{Type: SectionSkb, Instance: SkbInstanceUDP, Payload: []byte{1}},
		{Type: SectionOvs, Instance: 42, Payload: []byte{1}},
		{Type: SectionOvs, Instance: OvsInstanceExec, Payload: payload(t, &OvsExecSection{Skb: 0xbb, Recirc: 3})},
	})
	require.NoError(t, err)

	ev, err := d.Decode(b)
	require.NoError(t, err)
	require.NotNil(t, ev.Skb)
	require.NotNil(t, ev.Skb.Eth)
	assert.Equal(t, "02:00:00:00:00:01", ev.Skb.Eth.Src)
	assert.Nil(t, ev.Skb.UDP)
	require.NotNil(t, ev.Ovs)
	require.NotNil(t, ev.Ovs.Exec)
	assert.Equal(t, uint32(3), ev.Ovs.Exec.Recirc)
}

func TestDecode_OnlyBadInstances(t *testing.T) {
	d := newTestDecoder(t)
	b, err := Encode([]RawSection{
		commonSection(t, 5),
		{Type: SectionSkb, Instance: 42, Payload: []byte{1}},
	})
	require.NoError(t, err)

	ev, err := d.Decode(b)
	require.NoError(t, err)
	assert.Nil(t, ev.Skb)
}

func TestDecode_Rejected(t *testing.T) {
	d := newTestDecoder(t)

	badCommon, err := Encode([]RawSection{{Type: SectionCommon, Instance: InstanceDefault, Payload: []byte{1}}})
	require.NoError(t, err)

	good, err := Encode([]RawSection{commonSection(t, 5)})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   []byte
	}{
		{"bad common", badCommon},
		{"truncated", good[:len(good)-3]},
		{"garbage", []byte{0xff, 0xff, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := d.Decode(tt.in)
			assert.Error(t, err)
			assert.Nil(t, ev)
		})
	}

	// The decoder keeps working after rejecting input.
	ev, err := d.Decode(good)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ev.Common.Timestamp)
}
