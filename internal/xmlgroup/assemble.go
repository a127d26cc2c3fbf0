package xmlgroup

import (
	"fmt"

	"github.com/thuduc/fan-out-fan-in/internal/xmlnode"
)

// GroupResults holds one group's task results, keyed by taskId, in the
// order they were declared (SPEC_FULL.md §4.2 step 5: "gather task results
// in group, task order").
type GroupResults struct {
	Idx     int
	Name    string
	ByTask  map[string]*xmlnode.Element
	Order   []string
}

// Assemble builds the final response XML from doc's group/task order and
// the supplied results, failing if any declared task has no result (a
// caller bug — by the time Assemble runs, every group must have
// transitioned to "completed").
func Assemble(doc *Document, results []GroupResults) (*xmlnode.Element, error) {
	if len(results) != len(doc.Groups) {
		return nil, fmt.Errorf("xmlgroup: assemble: expected %d groups, got %d", len(doc.Groups), len(results))
	}

	root := &xmlnode.Element{Name: "vnml-response"}
	for _, g := range doc.Groups {
		gr := findGroupResults(results, g.Idx)
		if gr == nil {
			return nil, fmt.Errorf("xmlgroup: assemble: no results for group %d", g.Idx)
		}
		groupEl := &xmlnode.Element{Name: "group"}
		groupEl.SetAttr("name", g.Name)
		for _, task := range g.Tasks {
			result, ok := gr.ByTask[task.ID]
			if !ok {
				return nil, fmt.Errorf("xmlgroup: assemble: missing result for task %q in group %d", task.ID, g.Idx)
			}
			groupEl.Children = append(groupEl.Children, result.Clone())
		}
		root.Children = append(root.Children, groupEl)
	}
	return root, nil
}

func findGroupResults(results []GroupResults, idx int) *GroupResults {
	for i := range results {
		if results[i].Idx == idx {
			return &results[i]
		}
	}
	return nil
}
