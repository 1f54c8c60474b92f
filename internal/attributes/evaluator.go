package attributes

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amorenoz/packet-tracer/internal/config"
	"github.com/amorenoz/packet-tracer/internal/events"
)

// compile type-checks an expression against the event fields, e.g.
// `Skb?.TCP?.Dport` or `Common.Comm`.
func compile(exprStr string, opts ...expr.Option) (*vm.Program, error) {
	opts = append([]expr.Option{expr.Env(events.Event{})}, opts...)
	return expr.Compile(exprStr, opts...)
}

func run(program *vm.Program, ev *events.Event) (any, error) {
	return expr.Run(program, *ev)
}

// Evaluator computes custom span attributes from events.
type Evaluator struct {
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
	log           zerolog.Logger
}

// NewEvaluator pre-compiles all custom attribute expressions.
func NewEvaluator(customAttrs []config.CustomAttribute, log zerolog.Logger) (*Evaluator, error) {
	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := compile(attr.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
		log:           log,
	}, nil
}

// EvaluateCustomAttributes evaluates every expression against ev. Attributes
// whose expression fails or yields nil are left out.
func (e *Evaluator) EvaluateCustomAttributes(ev *events.Event) []attribute.KeyValue {
	if len(e.customAttrs) == 0 || ev == nil {
		return nil
	}

	var attrs []attribute.KeyValue
	for i, customAttr := range e.customAttrs {
		output, err := run(e.compiledExprs[i], ev)
		if err != nil {
			e.log.Warn().Err(err).Str("attribute", customAttr.Name).Msg("Failed to evaluate expression")
			continue
		}
		if output == nil {
			continue
		}

		// Maps expand into one attribute per key.
		outputValue := reflect.ValueOf(output)
		if outputValue.Kind() != reflect.Map {
			attrs = append(attrs, attribute.String(customAttr.Name, fmt.Sprint(output)))
			continue
		}
		keys := outputValue.MapKeys()
		sort.Slice(keys, func(a, b int) bool {
			return fmt.Sprint(keys[a].Interface()) < fmt.Sprint(keys[b].Interface())
		})
		for _, key := range keys {
			attrName := customAttr.Name + "." + sanitizeAttributeName(fmt.Sprint(key.Interface()))
			attrs = append(attrs, attribute.String(attrName, fmt.Sprint(outputValue.MapIndex(key).Interface())))
		}
	}

	return attrs
}

// sanitizeAttributeName replaces non-alphanumeric characters with underscores.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
