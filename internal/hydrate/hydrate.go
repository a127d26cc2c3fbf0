// Package hydrate implements the collaborator contract named (but left
// unimplemented) by SPEC_FULL.md §4.4: given an XML fragment and a
// context, resolve href/XPath/function references into a fully
// materialized fragment while preserving untouched local attributes and
// children. Its four strategies are simplified reference strategies, not
// production resolvers — the spec explicitly scopes real hydration
// strategies out.
package hydrate

import (
	"fmt"
	"strings"

	"github.com/thuduc/fan-out-fan-in/internal/xmlnode"
)

// ResourceFetcher resolves an href reference (conceptually a cache key or
// external locator) to a materialized fragment, injected by the caller so
// this package has no knowledge of where task/result payloads live.
type ResourceFetcher interface {
	Fetch(href string) (*xmlnode.Element, error)
}

// FunctionRegistry resolves a named function call over a set of string
// arguments to a scalar string result.
type FunctionRegistry interface {
	Call(name string, args []string) (string, error)
}

// Context bundles everything a strategy may consult: the base request
// element, prior-group results keyed by taskId, and the two injected
// collaborators above.
type Context struct {
	Request      *xmlnode.Element
	PriorResults map[string]*xmlnode.Element // taskId -> result fragment, across all prior groups
	Fetcher      ResourceFetcher
	Functions    FunctionRegistry
}

// Strategy resolves one class of reference over el (already a deep copy)
// and returns the (possibly further-mutated) element. Strategies run in a
// fixed sequence; each sees the previous strategy's output.
type Strategy interface {
	Apply(el *xmlnode.Element, ctx Context) (*xmlnode.Element, error)
}

// Hydrator runs the fixed strategy chain described in SPEC_FULL.md §4.4.
type Hydrator struct {
	strategies []Strategy
}

// New returns a Hydrator with the default four-strategy chain:
// attribute-merge (implicit — Clone already preserves local state),
// href, xpath-selection, function-call.
func New() *Hydrator {
	return &Hydrator{
		strategies: []Strategy{
			hrefStrategy{},
			selectStrategy{},
			functionStrategy{},
		},
	}
}

// Hydrate runs el (untouched) through a deep copy and the strategy chain,
// returning the materialized fragment. The input is never mutated.
func (h *Hydrator) Hydrate(el *xmlnode.Element, ctx Context) (*xmlnode.Element, error) {
	working := el.Clone()
	for _, strat := range h.strategies {
		next, err := strat.Apply(working, ctx)
		if err != nil {
			return nil, err
		}
		working = next
	}
	return working, nil
}

// hrefStrategy resolves href="..." attributes by fetching the referenced
// fragment and splicing it in as a child, preserving the referencing
// element's own attributes and any children not displaced by the
// reference.
type hrefStrategy struct{}

func (hrefStrategy) Apply(el *xmlnode.Element, ctx Context) (*xmlnode.Element, error) {
	return walk(el, func(node *xmlnode.Element) error {
		href, ok := node.Attr("href")
		if !ok {
			return nil
		}
		if ctx.Fetcher == nil {
			return fmt.Errorf("hydrate: href %q present but no ResourceFetcher configured", href)
		}
		fragment, err := ctx.Fetcher.Fetch(href)
		if err != nil {
			return fmt.Errorf("hydrate: fetch href %q: %w", href, err)
		}
		node.RemoveAttr("href")
		node.Children = append(node.Children, fragment.Clone())
		return nil
	})
}

// selectStrategy resolves select="taskId" or select="taskId/childName"
// attributes against ctx.PriorResults — a minimal matcher on direct child
// names (first match wins; no positional predicates), not a general XPath
// engine (explicitly out of scope).
type selectStrategy struct{}

func (selectStrategy) Apply(el *xmlnode.Element, ctx Context) (*xmlnode.Element, error) {
	return walk(el, func(node *xmlnode.Element) error {
		sel, ok := node.Attr("select")
		if !ok {
			return nil
		}
		result, err := resolveSelect(sel, ctx.PriorResults)
		if err != nil {
			return fmt.Errorf("hydrate: select %q: %w", sel, err)
		}
		node.RemoveAttr("select")
		node.Children = append(node.Children, result.Clone())
		return nil
	})
}

func resolveSelect(sel string, priorResults map[string]*xmlnode.Element) (*xmlnode.Element, error) {
	parts := strings.Split(sel, "/")
	root, ok := priorResults[parts[0]]
	if !ok {
		return nil, fmt.Errorf("no prior result for task %q", parts[0])
	}
	node := root
	for _, segment := range parts[1:] {
		child := node.Child(segment)
		if child == nil {
			return nil, fmt.Errorf("no child %q under %q", segment, node.Name)
		}
		node = child
	}
	return node, nil
}

// functionStrategy resolves fn="name(arg1,arg2,...)" attributes against
// ctx.Functions, replacing the attribute with a fn-result attribute on the
// element (a scalar outcome, per the reference FunctionRegistry in
// internal/execute).
type functionStrategy struct{}

func (functionStrategy) Apply(el *xmlnode.Element, ctx Context) (*xmlnode.Element, error) {
	return walk(el, func(node *xmlnode.Element) error {
		fn, ok := node.Attr("fn")
		if !ok {
			return nil
		}
		name, args, err := parseFunctionCall(fn)
		if err != nil {
			return fmt.Errorf("hydrate: fn %q: %w", fn, err)
		}
		if ctx.Functions == nil {
			return fmt.Errorf("hydrate: fn %q present but no FunctionRegistry configured", fn)
		}
		result, err := ctx.Functions.Call(name, args)
		if err != nil {
			return fmt.Errorf("hydrate: call %q: %w", name, err)
		}
		node.RemoveAttr("fn")
		node.SetAttr("fn-result", result)
		return nil
	})
}

func parseFunctionCall(expr string) (name string, args []string, err error) {
	open := strings.Index(expr, "(")
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, fmt.Errorf("malformed function call %q", expr)
	}
	name = expr[:open]
	inner := expr[open+1 : len(expr)-1]
	if strings.TrimSpace(inner) == "" {
		return name, nil, nil
	}
	for _, a := range strings.Split(inner, ",") {
		args = append(args, strings.TrimSpace(a))
	}
	return name, args, nil
}

// walk applies fn to el and every descendant, depth-first, mutating in
// place and returning el itself for chaining.
func walk(el *xmlnode.Element, fn func(*xmlnode.Element) error) (*xmlnode.Element, error) {
	if err := fn(el); err != nil {
		return nil, err
	}
	for _, c := range el.Children {
		if _, err := walk(c, fn); err != nil {
			return nil, err
		}
	}
	return el, nil
}
