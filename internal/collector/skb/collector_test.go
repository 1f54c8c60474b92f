package skb

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amorenoz/packet-tracer/internal/collector/collectortest"
	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/probe"
	skbuff "github.com/amorenoz/packet-tracer/internal/skb"
)

var xmit = probe.NewKprobe("dev_queue_xmit")

func serialize(t *testing.T, l ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, l...))
	return buf.Bytes()
}

func tcpPacket(t *testing.T) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{SrcPort: 34567, DstPort: 443, Seq: 100, SYN: true, Window: 512}
	return serialize(t, eth, ip, tcp, gopacket.Payload([]byte("hello")))
}

func TestParseSections(t *testing.T) {
	tests := []struct {
		in      []string
		want    Section
		wantErr bool
	}{
		{in: []string{"eth", "tcp"}, want: SectionEth | SectionTCP},
		{in: []string{"L3"}, want: SectionIPv4 | SectionIPv6},
		{in: []string{"all"}, want: SectionAll},
		{in: []string{"ip"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSections(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestHook_TCPPacket(t *testing.T) {
	p := collectortest.New(t, []probe.Probe{xmit}, New(SectionAll))

	buf := skbuff.New(0xffff0001, 0xaa00, tcpPacket(t))
	buf.Dev = "eth0"
	buf.Ifindex = 2
	buf.Netns = 4026531840

	ev := p.Fire(t, xmit, &probe.Context{Skb: buf})
	require.NotNil(t, ev)
	require.NotNil(t, ev.Skb)

	require.NotNil(t, ev.Skb.Eth)
	assert.Equal(t, "02:00:00:00:00:01", ev.Skb.Eth.Src)
	assert.Equal(t, uint16(0x0800), ev.Skb.Eth.EtherType)

	require.NotNil(t, ev.Skb.IP)
	assert.Equal(t, uint8(4), ev.Skb.IP.Version)
	assert.Equal(t, "10.0.0.1", ev.Skb.IP.Src)
	assert.Equal(t, "10.0.0.2", ev.Skb.IP.Dst)
	assert.Equal(t, uint8(64), ev.Skb.IP.TTL)
	assert.Equal(t, uint8(6), ev.Skb.IP.Protocol)

	require.NotNil(t, ev.Skb.TCP)
	assert.Equal(t, uint16(34567), ev.Skb.TCP.Sport)
	assert.Equal(t, uint16(443), ev.Skb.TCP.Dport)
	assert.Equal(t, events.TCPFlagSYN, ev.Skb.TCP.Flags)
	assert.Nil(t, ev.Skb.UDP)

	require.NotNil(t, ev.Skb.Dev)
	assert.Equal(t, "eth0", ev.Skb.Dev.Name)
	require.NotNil(t, ev.Skb.Netns)
	assert.Equal(t, uint32(4026531840), ev.Skb.Netns.Netns)
	require.NotNil(t, ev.Skb.DataRef)
	assert.Equal(t, uint8(1), ev.Skb.DataRef.Dataref)
}

func TestHook_SelectedSections(t *testing.T) {
	p := collectortest.New(t, []probe.Probe{xmit}, New(SectionTCP))

	ev := p.Fire(t, xmit, &probe.Context{Skb: skbuff.New(1, 2, tcpPacket(t))})
	require.NotNil(t, ev.Skb)
	assert.Nil(t, ev.Skb.Eth)
	assert.Nil(t, ev.Skb.IP)
	assert.Nil(t, ev.Skb.DataRef)
	require.NotNil(t, ev.Skb.TCP)
}

func TestHook_ICMPv6(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      net.ParseIP("fe80::1"),
		DstIP:      net.ParseIP("ff02::1"),
	}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
	data := serialize(t, eth, ip, icmp)

	p := collectortest.New(t, []probe.Probe{xmit}, New(SectionIPv6|SectionICMP))
	ev := p.Fire(t, xmit, &probe.Context{Skb: skbuff.New(1, 2, data)})
	require.NotNil(t, ev.Skb)
	require.NotNil(t, ev.Skb.IP)
	assert.Equal(t, uint8(6), ev.Skb.IP.Version)
	assert.Equal(t, "fe80::1", ev.Skb.IP.Src)
	require.NotNil(t, ev.Skb.ICMP)
	assert.Equal(t, uint8(layers.ICMPv6TypeEchoRequest), ev.Skb.ICMP.Type)
}

func TestHook_TruncatedPacket(t *testing.T) {
	p := collectortest.New(t, []probe.Probe{xmit}, New(SectionAll))

	// Ethernet header followed by a cut IPv4 header.
	data := tcpPacket(t)[:14+8]
	ev := p.Fire(t, xmit, &probe.Context{Skb: skbuff.New(1, 2, data)})

	// The readable layers are reported, the event is still submitted.
	require.NotNil(t, ev)
	require.NotNil(t, ev.Skb)
	assert.NotNil(t, ev.Skb.Eth)
	assert.Nil(t, ev.Skb.IP)
	assert.NotNil(t, ev.Skb.DataRef)
}

func TestHook_NoPacket(t *testing.T) {
	p := collectortest.New(t, []probe.Probe{xmit}, New(SectionAll))
	ev := p.Fire(t, xmit, &probe.Context{})
	require.NotNil(t, ev)
	assert.Nil(t, ev.Skb)
}
