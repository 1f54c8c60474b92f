// Package attributes evaluates user expressions against decoded events.
//
// Expressions use the expr language and see the events.Event fields, with
// optional chaining for the sections an event may lack:
//
//	Skb?.TCP?.Dport == 443
//	SkbDrop != nil && Common.Comm == "curl"
//
// Four consumers:
//   - Filter: boolean expression selecting events
//   - Evaluator: custom span attributes, maps expand to one attribute per key
//   - TraceIDEvaluator: trace ID (32 hex chars), other results are hashed with SHA-256
//   - ParentIDEvaluator: parent span ID (16 hex chars), other results give no parent
//
// Without a trace-id expression, TraceIDFromTracking groups the events of a
// packet by tracking id.
package attributes
