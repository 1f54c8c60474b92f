package events

import "fmt"

// SchemaVersion is bumped whenever a section type is added or a payload
// layout changes. Producers and consumers must agree on it.
const SchemaVersion = 1

// SectionType identifies the owner of a section. The set is closed: every
// producer and consumer is built against the same enumeration.
type SectionType uint8

const (
	SectionCommon      SectionType = 1
	SectionKernel      SectionType = 2
	SectionUserspace   SectionType = 3
	SectionSkbTracking SectionType = 4
	SectionSkbDrop     SectionType = 5
	SectionSkb         SectionType = 6
	SectionOvs         SectionType = 7
)

var sectionNames = map[SectionType]string{
	SectionCommon:      "common",
	SectionKernel:      "kernel",
	SectionUserspace:   "userspace",
	SectionSkbTracking: "skb-tracking",
	SectionSkbDrop:     "skb-drop",
	SectionSkb:         "skb",
	SectionOvs:         "ovs",
}

func (t SectionType) String() string {
	if name, ok := sectionNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Known reports whether t belongs to the schema.
func (t SectionType) Known() bool {
	_, ok := sectionNames[t]
	return ok
}

// Instance ids. Sections without variants use InstanceDefault.
const InstanceDefault uint8 = 1

// SKB section instances.
const (
	SkbInstanceEth     uint8 = 1
	SkbInstanceIPv4    uint8 = 2
	SkbInstanceIPv6    uint8 = 3
	SkbInstanceTCP     uint8 = 4
	SkbInstanceUDP     uint8 = 5
	SkbInstanceICMP    uint8 = 6
	SkbInstanceDev     uint8 = 7
	SkbInstanceNs      uint8 = 8
	SkbInstanceDataRef uint8 = 9
)

// OVS section instances.
const (
	OvsInstanceUpcall     uint8 = 1
	OvsInstanceOpExec     uint8 = 2
	OvsInstanceExec       uint8 = 3
	OvsInstanceFlowLookup uint8 = 4
	OvsInstanceExecCmd    uint8 = 5
)

// Probe types carried by the KERNEL section.
const (
	ProbeTypeKprobe        uint8 = 0
	ProbeTypeKretprobe     uint8 = 1
	ProbeTypeRawTracepoint uint8 = 2
)

// Event types carried by the USERSPACE section.
const (
	UserEventUsdt uint8 = 1
)
