package attributes

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amorenoz/packet-tracer/internal/events"
)

// TraceIDFromTracking derives the trace of a packet from its tracking id, so
// that every event of the packet lands in the same trace. bootTime is the
// boot time in seconds and keeps ids from different hosts or boots apart.
func TraceIDFromTracking(id uint64, bootTime int64) trace.TraceID {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(bootTime)) //nolint:gosec // bit pattern only
	binary.BigEndian.PutUint64(buf[8:], id)
	hash := sha256.Sum256(buf[:])

	var traceID trace.TraceID
	copy(traceID[:], hash[:16])
	return traceID
}

// TraceIDEvaluator computes the trace of an event from an expression.
type TraceIDEvaluator struct {
	program *vm.Program
	rawExpr string
}

// NewTraceIDEvaluator compiles exprStr. With an empty expression the
// evaluator returns a zero trace ID and the caller picks one.
func NewTraceIDEvaluator(exprStr string) (*TraceIDEvaluator, error) {
	if exprStr == "" {
		return &TraceIDEvaluator{}, nil
	}

	program, err := compile(exprStr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile trace-id expression: %w", err)
	}

	return &TraceIDEvaluator{
		program: program,
		rawExpr: exprStr,
	}, nil
}

// EvaluateAndValidate evaluates the trace-id expression. Results that are not
// a 32 hex chars trace ID are hashed with SHA-256, and warnings describing
// the conversion are returned for the span.
func (e *TraceIDEvaluator) EvaluateAndValidate(ev *events.Event) (trace.TraceID, []attribute.KeyValue, error) {
	if e.program == nil {
		return trace.TraceID{}, nil, nil
	}

	output, err := run(e.program, ev)
	if err != nil {
		return trace.TraceID{}, nil, fmt.Errorf("failed to evaluate trace-id expression: %w", err)
	}
	if output == nil {
		return trace.TraceID{}, nil, nil
	}

	resultStr := fmt.Sprint(output)
	if len(resultStr) == 32 {
		if traceID, err := trace.TraceIDFromHex(resultStr); err == nil {
			return traceID, nil, nil
		}
	}

	hash := sha256.Sum256([]byte(resultStr))
	var traceID trace.TraceID
	copy(traceID[:], hash[:16])

	warnings := []attribute.KeyValue{
		attribute.String("_trace_id_expr_result", resultStr),
		attribute.String("_trace_id_invalid_warning", fmt.Sprintf("Expression result %q is not a valid 32-char hex trace ID, used SHA-256 hash instead", resultStr)),
	}
	return traceID, warnings, nil
}

// ParentIDEvaluator computes the parent span of an event from an expression.
type ParentIDEvaluator struct {
	program *vm.Program
	rawExpr string
}

// NewParentIDEvaluator compiles exprStr. With an empty expression events have
// no parent.
func NewParentIDEvaluator(exprStr string) (*ParentIDEvaluator, error) {
	if exprStr == "" {
		return &ParentIDEvaluator{}, nil
	}

	program, err := compile(exprStr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile parent-id expression: %w", err)
	}

	return &ParentIDEvaluator{
		program: program,
		rawExpr: exprStr,
	}, nil
}

// EvaluateAndValidate evaluates the parent-id expression. Results that are not
// a 16 hex chars span ID give no parent, plus warnings for the span.
func (e *ParentIDEvaluator) EvaluateAndValidate(ev *events.Event) (trace.SpanID, []attribute.KeyValue, error) {
	if e.program == nil {
		return trace.SpanID{}, nil, nil
	}

	output, err := run(e.program, ev)
	if err != nil {
		return trace.SpanID{}, nil, fmt.Errorf("failed to evaluate parent-id expression: %w", err)
	}

	resultStr := fmt.Sprint(output)
	if len(resultStr) == 16 {
		if spanID, err := trace.SpanIDFromHex(resultStr); err == nil {
			return spanID, nil, nil
		}
	}

	warnings := []attribute.KeyValue{
		attribute.String("_parent_id_expr_result", resultStr),
		attribute.String("_parent_id_invalid_warning", fmt.Sprintf("Expression result %q is not a valid 16-char hex span ID, using null parent ID instead", resultStr)),
	}
	return trace.SpanID{}, warnings, nil
}
