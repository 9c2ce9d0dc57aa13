package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/prodtrack/internal/engine"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a workflow's progress map. Steps form
// a single chain between virtual start and end nodes.
func Build(p *engine.Progress) (*DiagramModel, error) {
	if p == nil {
		return nil, fmt.Errorf("diagram: nil progress")
	}

	nodes := make([]*Node, 0, len(p.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, sp := range p.Steps {
		nodes = append(nodes, &Node{
			ID:     stepID(sp.StepNumber),
			Label:  fmt.Sprintf("%d. %s", sp.StepNumber, sp.Label),
			Kind:   NodeKindStep,
			Status: sp.Status,
			Detail: recordDetail(sp),
		})
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	edges := make([]Edge, 0, len(nodes)-1)
	for i := 1; i < len(nodes); i++ {
		edges = append(edges, Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}

	return &DiagramModel{
		Title: fmt.Sprintf("%s / %s (%d/%d)", p.ScheduleID, p.AssigneeID, p.CurrentStep, p.TotalSteps),
		Nodes: nodes,
		Edges: edges,
	}, nil
}

func stepID(n int) string {
	return fmt.Sprintf("step_%d", n)
}

// recordDetail summarizes who recorded the step and when.
func recordDetail(sp engine.StepProgress) string {
	if sp.Record == nil {
		return ""
	}
	f := sp.Record.FormData
	parts := make([]string, 0, 3)
	for _, s := range []string{f.Name, f.Date, string(f.RecordedStatus)} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " · ")
}
