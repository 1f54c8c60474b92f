package events

// Event is a decoded event. Every optional section is a nil pointer when the
// producer did not emit it.
type Event struct {
	Common      CommonEvent       `json:"common"`
	Kernel      *KernelEvent      `json:"kernel,omitempty"`
	Userspace   *UserEvent        `json:"userspace,omitempty"`
	SkbTracking *SkbTrackingEvent `json:"skb-tracking,omitempty"`
	SkbDrop     *SkbDropEvent     `json:"skb-drop,omitempty"`
	Skb         *SkbEvent         `json:"skb,omitempty"`
	Ovs         *OvsEvent         `json:"ovs,omitempty"`
}

type CommonEvent struct {
	Timestamp uint64 `json:"timestamp"`
	CPU       uint32 `json:"cpu"`
	PID       uint32 `json:"pid"`
	TGID      uint32 `json:"tgid"`
	// Comm is filled in by consumers that can resolve it.
	Comm string `json:"comm,omitempty"`
}

type KernelEvent struct {
	Symbol    string `json:"symbol"`
	Addr      uint64 `json:"addr"`
	ProbeType string `json:"probe_type"`
}

type UserEvent struct {
	Symbol    string `json:"symbol"`
	Addr      uint64 `json:"addr"`
	PID       uint32 `json:"pid"`
	EventType string `json:"event_type"`
}

type SkbTrackingEvent struct {
	ID        uint64 `json:"id"`
	OrigHead  uint64 `json:"orig_head"`
	Timestamp uint64 `json:"timestamp"`
	Skb       uint64 `json:"skb"`
}

type SkbDropEvent struct {
	Reason     int32  `json:"reason"`
	ReasonName string `json:"drop_reason,omitempty"`
}

type SkbEvent struct {
	Eth     *SkbEthEvent     `json:"eth,omitempty"`
	IP      *SkbIPEvent      `json:"ip,omitempty"`
	TCP     *SkbTCPEvent     `json:"tcp,omitempty"`
	UDP     *SkbUDPEvent     `json:"udp,omitempty"`
	ICMP    *SkbICMPEvent    `json:"icmp,omitempty"`
	Dev     *SkbDevEvent     `json:"dev,omitempty"`
	Netns   *SkbNetnsEvent   `json:"ns,omitempty"`
	DataRef *SkbDataRefEvent `json:"dataref,omitempty"`
}

type SkbEthEvent struct {
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	EtherType uint16 `json:"etype"`
}

type SkbIPEvent struct {
	Version  uint8  `json:"version"`
	Src      string `json:"saddr"`
	Dst      string `json:"daddr"`
	Len      uint16 `json:"len"`
	Protocol uint8  `json:"protocol"`
	TTL      uint8  `json:"ttl"`
}

type SkbTCPEvent struct {
	Sport  uint16 `json:"sport"`
	Dport  uint16 `json:"dport"`
	Seq    uint32 `json:"seq"`
	Ack    uint32 `json:"ack_seq"`
	Window uint16 `json:"window"`
	Flags  uint8  `json:"flags"`
}

type SkbUDPEvent struct {
	Sport uint16 `json:"sport"`
	Dport uint16 `json:"dport"`
	Len   uint16 `json:"len"`
}

type SkbICMPEvent struct {
	Type uint8 `json:"type"`
	Code uint8 `json:"code"`
}

type SkbDevEvent struct {
	Name      string `json:"name"`
	Ifindex   uint32 `json:"ifindex"`
	RxIfindex uint32 `json:"rx_ifindex,omitempty"`
}

type SkbNetnsEvent struct {
	Netns uint32 `json:"netns"`
}

type SkbDataRefEvent struct {
	Nohdr   bool  `json:"nohdr"`
	Cloned  bool  `json:"cloned"`
	Fclone  uint8 `json:"fclone"`
	Users   uint8 `json:"users"`
	Dataref uint8 `json:"dataref"`
}

type OvsEvent struct {
	Upcall     *OvsUpcallEvent     `json:"upcall,omitempty"`
	OpExec     *OvsOpExecEvent     `json:"op_exec,omitempty"`
	Exec       *OvsExecEvent       `json:"exec,omitempty"`
	FlowLookup *OvsFlowLookupEvent `json:"flow_lookup,omitempty"`
	ExecCmd    *OvsExecCmdEvent    `json:"exec_cmd,omitempty"`
}

type OvsUpcallEvent struct {
	Cmd  uint8  `json:"cmd"`
	Port uint32 `json:"port"`
	CPU  uint32 `json:"cpu"`
}

type OvsOpExecEvent struct {
	Queue   uint32 `json:"queue_id"`
	PktSize uint32 `json:"pkt_size"`
}

type OvsExecEvent struct {
	Skb    uint64 `json:"skb"`
	Recirc uint32 `json:"recirc_id"`
}

type OvsFlowLookupEvent struct {
	Flow         uint64    `json:"flow"`
	SfActs       uint64    `json:"sf_acts"`
	Ufid         [4]uint32 `json:"ufid"`
	NMaskHit     uint32    `json:"n_mask_hit"`
	NCacheHit    uint32    `json:"n_cache_hit"`
	SkbOrigHead  uint64    `json:"skb_orig_head"`
	SkbTimestamp uint64    `json:"skb_timestamp"`
	Skb          uint64    `json:"skb"`
}

type OvsExecCmdEvent struct {
	Skb  uint64 `json:"skb"`
	Port uint32 `json:"port"`
}

// TrackingID returns the packet correlation id, if the event carries one.
func (e *Event) TrackingID() (uint64, bool) {
	if e.SkbTracking == nil {
		return 0, false
	}
	return e.SkbTracking.ID, true
}

// Symbol returns the name of the probe that produced the event.
func (e *Event) Symbol() string {
	switch {
	case e.Kernel != nil:
		return e.Kernel.Symbol
	case e.Userspace != nil:
		return e.Userspace.Symbol
	default:
		return ""
	}
}
