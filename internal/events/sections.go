package events

// Payload layouts. Every struct only holds fixed-size fields so that its
// encoding/binary size is its packed wire size.

// CommonSection is present first in every event.
type CommonSection struct {
	Timestamp uint64 // monotonic, nanoseconds since boot
	CPU       uint32
	PID       uint32
	TGID      uint32
}

// KernelSection describes the kernel probe that fired.
type KernelSection struct {
	Symbol    uint64
	ProbeType uint8
}

// UserSection describes the userspace probe that fired.
type UserSection struct {
	Symbol    uint64
	PID       uint32
	EventType uint8
}

// SkbTrackingSection carries the correlation identity of a packet.
type SkbTrackingSection struct {
	ID        uint64
	OrigHead  uint64
	Timestamp uint64
	Skb       uint64
}

// SkbDropSection carries the reason a packet was dropped.
type SkbDropSection struct {
	Reason int32
}

type SkbEthSection struct {
	Src       [6]byte
	Dst       [6]byte
	EtherType uint16
}

type SkbIPv4Section struct {
	Src      [4]byte
	Dst      [4]byte
	Len      uint16
	Protocol uint8
	TTL      uint8
}

type SkbIPv6Section struct {
	Src        [16]byte
	Dst        [16]byte
	Len        uint16
	NextHeader uint8
	HopLimit   uint8
}

type SkbTCPSection struct {
	Sport  uint16
	Dport  uint16
	Seq    uint32
	Ack    uint32
	Window uint16
	Flags  uint8
}

type SkbUDPSection struct {
	Sport uint16
	Dport uint16
	Len   uint16
}

type SkbICMPSection struct {
	Type uint8
	Code uint8
}

type SkbDevSection struct {
	Name      [16]byte
	Ifindex   uint32
	RxIfindex uint32
}

type SkbNsSection struct {
	Netns uint32
}

type SkbDataRefSection struct {
	Nohdr   uint8
	Cloned  uint8
	Fclone  uint8
	Users   uint8
	Dataref uint8
}

// TCP flag bits as stored in SkbTCPSection.Flags.
const (
	TCPFlagFIN uint8 = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
	TCPFlagECE
	TCPFlagCWR
)

type OvsUpcallSection struct {
	Cmd  uint8
	Port uint32
	CPU  uint32
}

type OvsOpExecSection struct {
	Queue   uint32
	PktSize uint32
}

type OvsExecSection struct {
	Skb    uint64
	Recirc uint32
}

type OvsFlowLookupSection struct {
	Flow      uint64
	SfActs    uint64
	Ufid      [4]uint32
	NMaskHit  uint32
	NCacheHit uint32
	// Tracking info of the packet being looked up.
	SkbOrigHead  uint64
	SkbTimestamp uint64
	Skb          uint64
}

type OvsExecCmdSection struct {
	Skb  uint64
	Port uint32
}
