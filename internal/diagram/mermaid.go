package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/prodtrack/pkg/schema"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}
	for _, edge := range model.Edges {
		b.WriteString(fmt.Sprintf("    %s --> %s\n", edge.From, edge.To))
	}

	// Status class definitions.
	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef active fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef going fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef not_reached fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")

	for _, node := range model.Nodes {
		if cls := mermaidStatusClass(node.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", node.ID, cls))
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	label := node.Label
	if node.Detail != "" {
		label += "<br/>" + node.Detail
	}
	switch node.Kind {
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", node.ID, label)
	default:
		return fmt.Sprintf("%s[%q]", node.ID, label)
	}
}

func mermaidStatusClass(status schema.DisplayStatus) string {
	switch status {
	case schema.DisplayCompleted, schema.DisplayActive, schema.DisplayGoing, schema.DisplayNotReached:
		return string(status)
	default:
		return ""
	}
}
