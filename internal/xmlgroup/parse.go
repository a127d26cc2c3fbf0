// Package xmlgroup decomposes a submitted valuation XML document into the
// ordered groups and tasks SPEC_FULL.md §4.2 step 3 describes, and
// assembles the final response XML from per-task results (step 5). No XML
// library appears anywhere in the retrieved example pack (see DESIGN.md),
// so this package is built on encoding/xml via internal/xmlnode.
package xmlgroup

import (
	"fmt"

	"github.com/thuduc/fan-out-fan-in/internal/xmlnode"
)

// Task is one task within a group, as declared in the submission.
type Task struct {
	ID      string
	Element *xmlnode.Element // the raw <t> element, attrs/children intact
}

// Group is an ordered partition of a request's tasks (document order).
type Group struct {
	Idx   int
	Name  string
	Tasks []Task
}

// Document is a parsed submission: the base request element plus its
// ordered groups.
type Document struct {
	Request *xmlnode.Element // the <vnml> root, for base-request attribute inheritance
	Groups  []Group
}

// Parse decomposes raw submission XML into a Document. It requires a
// <vnml><project><group .../>...</project></vnml> shape; malformed or
// unrecognized structure is reported as an error so the caller can map it
// to xerrors.InvalidInput.
func Parse(data []byte) (*Document, error) {
	root, err := xmlnode.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("xmlgroup: %w", err)
	}
	if root.Name != "vnml" {
		return nil, fmt.Errorf("xmlgroup: expected root <vnml>, got <%s>", root.Name)
	}
	project := root.Child("project")
	if project == nil {
		return nil, fmt.Errorf("xmlgroup: missing <project> element")
	}

	groupElems := project.ChildrenNamed("group")
	if len(groupElems) == 0 {
		return nil, fmt.Errorf("xmlgroup: document declares no <group> elements")
	}

	groups := make([]Group, 0, len(groupElems))
	for idx, ge := range groupElems {
		taskElems := ge.ChildrenNamed("t")
		if len(taskElems) == 0 {
			return nil, fmt.Errorf("xmlgroup: group %d declares no <t> tasks", idx)
		}
		tasks := make([]Task, 0, len(taskElems))
		seen := make(map[string]bool, len(taskElems))
		for _, te := range taskElems {
			id, ok := te.Attr("id")
			if !ok || id == "" {
				return nil, fmt.Errorf("xmlgroup: group %d has a <t> with no id", idx)
			}
			if seen[id] {
				return nil, fmt.Errorf("xmlgroup: group %d declares duplicate task id %q", idx, id)
			}
			seen[id] = true
			tasks = append(tasks, Task{ID: id, Element: te})
		}
		name, _ := ge.Attr("name")
		groups = append(groups, Group{Idx: idx, Name: name, Tasks: tasks})
	}

	return &Document{Request: root, Groups: groups}, nil
}

// GroupCount returns the number of groups in the document.
func (d *Document) GroupCount() int {
	return len(d.Groups)
}

// BuildTaskXML constructs a task's pre-hydration XML by cloning its
// declared element and inheriting any base-request attribute the task does
// not already set (SPEC_FULL.md §4.2 step 4a, "(a) the base request").
// Prior-group results ((b)) are resolved separately by internal/hydrate's
// select strategy against a hydrate.Context built by the caller, since
// that resolution also needs the hydration fetcher/function registry.
func BuildTaskXML(request *xmlnode.Element, task Task) *xmlnode.Element {
	built := task.Element.Clone()
	for _, attr := range request.Attrs {
		if _, present := built.Attr(attr.Name.Local); !present {
			built.SetAttr(attr.Name.Local, attr.Value)
		}
	}
	return built
}
