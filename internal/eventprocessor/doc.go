// Package eventprocessor is the consumer side of the pipeline: it decides
// which decoded events are reported and where they go.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│  ring buffer / event channel records    │
//	└─────────────────┬───────────────────────┘
//	                  │  eventstream + events.Decoder
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor.Processor              │
//	│   - expr filter                         │
//	│   - task name from procmeta             │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ output.JSONWriter ──→ events file
//	          │
//	          ├──→ output.TextWriter ──→ one line per event
//	          │                          - timesync wall clock
//	          │
//	          ├──→ output.OTELFormatter → one span per event
//	          │                          - trace per tracking id
//	          │                          - attributes evaluator
//	          │
//	          └──→ Collector ─────────→ Sort
//	                                     - series per tracking id
//	                                     - ordered by timestamp
//
// Events of a packet are produced on whatever CPU handles it at the time,
// so they reach the processor out of order. Sort rebuilds the packet
// history from the tracking ids and the COMMON timestamps.
package eventprocessor
