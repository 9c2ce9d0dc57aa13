package diagram

import "github.com/rendis/prodtrack/pkg/schema"

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep  NodeKind = "step"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status schema.DisplayStatus // empty for start/end
	// Detail is a one-line summary of the stored record, if any.
	Detail string
}

// Edge connects two consecutive nodes.
type Edge struct {
	From string
	To   string
}
