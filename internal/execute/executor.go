// Package execute stands in for the valuation computation SPEC_FULL.md
// §1/§4.3 treats as an external black box "invoked by reference." It
// exposes the interface a task worker calls through, plus a deterministic
// reference implementation suitable for tests.
package execute

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/thuduc/fan-out-fan-in/internal/xmlnode"
)

// Executor runs one task's hydrated XML and returns its result fragment.
// Production deployments would point this at the real valuation engine;
// this repo ships only the reference implementation below.
type Executor interface {
	Execute(ctx context.Context, taskXML *xmlnode.Element) (*xmlnode.Element, error)
}

// Reference is a deterministic arithmetic executor: it reduces every
// fn-result/select-resolved numeric attribute under the task element with
// the operator named by the task's "op" attribute (default "sum"), for use
// by tests and the bundled reference FunctionRegistry (below). It is not a
// valuation engine.
type Reference struct{}

func NewReference() *Reference { return &Reference{} }

func (r *Reference) Execute(_ context.Context, taskXML *xmlnode.Element) (*xmlnode.Element, error) {
	op, _ := taskXML.Attr("op")
	if op == "" {
		op = "sum"
	}

	values := collectNumericValues(taskXML)
	result, err := reduce(op, values)
	if err != nil {
		return nil, fmt.Errorf("execute: reduce %s: %w", op, err)
	}

	id, _ := taskXML.Attr("id")
	out := &xmlnode.Element{Name: "result"}
	out.SetAttr("taskId", id)
	out.SetAttr("value", strconv.FormatFloat(result, 'f', -1, 64))
	return out, nil
}

func collectNumericValues(el *xmlnode.Element) []float64 {
	var values []float64
	if v, ok := el.Attr("fn-result"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			values = append(values, f)
		}
	}
	if v, ok := el.Attr("value"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			values = append(values, f)
		}
	}
	for _, c := range el.Children {
		values = append(values, collectNumericValues(c)...)
	}
	return values
}

func reduce(op string, values []float64) (float64, error) {
	switch op {
	case "sum":
		var total float64
		for _, v := range values {
			total += v
		}
		return total, nil
	case "avg":
		if len(values) == 0 {
			return 0, nil
		}
		var total float64
		for _, v := range values {
			total += v
		}
		return total / float64(len(values)), nil
	case "first":
		if len(values) == 0 {
			return 0, fmt.Errorf("no values to take first of")
		}
		return values[0], nil
	default:
		return 0, fmt.Errorf("unknown op %q", op)
	}
}

// FunctionRegistry is the reference hydrate.FunctionRegistry used by tests
// and by this repo's reference Executor: a small set of named value
// transforms (sum, avg, first, const), exactly as much as the fixed
// hydration strategy chain and the Reference executor need.
type FunctionRegistry struct{}

func NewFunctionRegistry() *FunctionRegistry { return &FunctionRegistry{} }

func (FunctionRegistry) Call(name string, args []string) (string, error) {
	switch name {
	case "const":
		if len(args) != 1 {
			return "", fmt.Errorf("const takes exactly one argument")
		}
		return strings.Trim(args[0], `"'`), nil
	case "sum", "avg", "first":
		floats, err := parseFloats(args)
		if err != nil {
			return "", err
		}
		v, err := reduce(name, floats)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unknown function %q", name)
	}
}

func parseFloats(args []string) ([]float64, error) {
	out := make([]float64, 0, len(args))
	for _, a := range args {
		f, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
		if err != nil {
			return nil, fmt.Errorf("argument %q is not numeric: %w", a, err)
		}
		out = append(out, f)
	}
	return out, nil
}
