package attributes

import (
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestTraceIDEvaluator_ValidHex(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator(`Common.Comm == "curl" ? "0123456789abcdef0123456789abcdef" : ""`)
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}

	traceID, warnings, err := evaluator.EvaluateAndValidate(tcpEvent())
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("Expected no warnings for valid trace ID, got %d", len(warnings))
	}

	expectedTraceID, err := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("trace.TraceIDFromHex() error = %v", err)
	}
	if traceID != expectedTraceID {
		t.Errorf("traceID = %v, want %v", traceID, expectedTraceID)
	}
}

func TestTraceIDEvaluator_InvalidHex(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator(`Common.Comm`)
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}

	traceID, warnings, err := evaluator.EvaluateAndValidate(tcpEvent())
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if len(warnings) != 2 {
		t.Fatalf("Expected 2 warnings for invalid trace ID, got %d", len(warnings))
	}
	if traceID == (trace.TraceID{}) {
		t.Error("Expected non-zero trace ID (hashed)")
	}
	if warnings[0].Key != "_trace_id_expr_result" || warnings[0].Value.AsString() != "curl" {
		t.Errorf("warnings[0] = %v=%q", warnings[0].Key, warnings[0].Value.AsString())
	}
	if warnings[1].Key != "_trace_id_invalid_warning" {
		t.Errorf("warnings[1].Key = %v", warnings[1].Key)
	}

	// Same input, same trace.
	again, _, _ := evaluator.EvaluateAndValidate(tcpEvent())
	if again != traceID {
		t.Error("Hashed trace ID is not stable")
	}
}

func TestTraceIDEvaluator_NoExpression(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator("")
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator(\"\") error = %v", err)
	}

	traceID, warnings, err := evaluator.EvaluateAndValidate(tcpEvent())
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if traceID != (trace.TraceID{}) {
		t.Error("Expected zero trace ID when no expression is configured")
	}
	if len(warnings) != 0 {
		t.Errorf("Expected no warnings, got %d", len(warnings))
	}
}

func TestTraceIDFromTracking(t *testing.T) {
	a := TraceIDFromTracking(7, 1700000000)
	if !a.IsValid() {
		t.Fatal("TraceIDFromTracking() returned an invalid trace ID")
	}
	if a != TraceIDFromTracking(7, 1700000000) {
		t.Error("TraceIDFromTracking() is not stable")
	}
	if a == TraceIDFromTracking(8, 1700000000) {
		t.Error("Different packets share a trace")
	}
	if a == TraceIDFromTracking(7, 1700000001) {
		t.Error("Different boots share a trace")
	}
}

func TestParentIDEvaluator(t *testing.T) {
	tests := []struct {
		name         string
		expr         string
		want         string
		wantWarnings int
	}{
		{name: "no expression", expr: ""},
		{name: "valid hex", expr: `"0123456789abcdef"`, want: "0123456789abcdef"},
		{name: "invalid hex", expr: `Common.Comm`, wantWarnings: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evaluator, err := NewParentIDEvaluator(tt.expr)
			if err != nil {
				t.Fatalf("NewParentIDEvaluator() error = %v", err)
			}

			spanID, warnings, err := evaluator.EvaluateAndValidate(tcpEvent())
			if err != nil {
				t.Fatalf("EvaluateAndValidate() error = %v", err)
			}
			if len(warnings) != tt.wantWarnings {
				t.Errorf("got %d warnings, want %d", len(warnings), tt.wantWarnings)
			}
			if tt.want == "" {
				if spanID.IsValid() {
					t.Errorf("spanID = %v, want none", spanID)
				}
				return
			}
			if spanID.String() != tt.want {
				t.Errorf("spanID = %v, want %v", spanID, tt.want)
			}
		})
	}
}
