// Package events defines the event wire format shared by every producer and
// consumer, and the decoder turning raw events into typed records.
//
// An event is a sequence of sections. Each section is tagged with the type
// of its owner and an instance id, so that independently developed
// collectors can add data to the same event without knowing each other:
//
//	┌──────────┬─────────────────────┬─────────────────────┬─────┐
//	│ u16 size │ COMMON              │ KERNEL / USERSPACE  │ ... │
//	│          │ type|inst|len|data  │ type|inst|len|data  │     │
//	└──────────┴─────────────────────┴─────────────────────┴─────┘
//
// COMMON is always first. A (type, instance) pair appears at most once.
// Consumers skip sections whose type they do not know, so producers can be
// upgraded ahead of consumers.
package events
