package attributes

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/amorenoz/packet-tracer/internal/events"
)

// Filter selects events with a boolean expression.
type Filter struct {
	program *vm.Program
	rawExpr string
}

// NewFilter compiles exprStr. An empty expression matches every event.
func NewFilter(exprStr string) (*Filter, error) {
	if exprStr == "" {
		return &Filter{}, nil
	}
	program, err := compile(exprStr, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter %q: %w", exprStr, err)
	}
	return &Filter{program: program, rawExpr: exprStr}, nil
}

// String returns the filter expression.
func (f *Filter) String() string {
	return f.rawExpr
}

// Match reports whether ev passes the filter.
func (f *Filter) Match(ev *events.Event) (bool, error) {
	if f.program == nil {
		return true, nil
	}
	out, err := run(f.program, ev)
	if err != nil {
		return false, fmt.Errorf("evaluating filter: %w", err)
	}
	match, _ := out.(bool)
	return match, nil
}
