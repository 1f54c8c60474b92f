// Package output renders decoded events.
//
// Three sinks share the eventprocessor.Sink shape:
//   - JSONWriter: one JSON object per line, optionally preceded by a startup
//     record carrying the boot time so files can be printed on another host
//   - TextWriter: one human readable line per event
//   - OTELFormatter: one span per event, spans of the same packet share a trace
//
// JSONReader reads the files JSONWriter produces. Nothing here evaluates
// filters or resolves processes; that happens before events reach a sink.
package output
