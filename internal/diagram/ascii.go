package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/prodtrack/pkg/schema"
)

// statusTag returns a short ASCII indicator for a display status.
func statusTag(status schema.DisplayStatus) string {
	switch status {
	case schema.DisplayCompleted:
		return "[DONE]"
	case schema.DisplayActive:
		return "[NEXT]"
	case schema.DisplayGoing:
		return "[GOING]"
	case schema.DisplayNotReached:
		return "[    ]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a vertical chain of boxes.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	for i, node := range model.Nodes {
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if i < len(model.Nodes)-1 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}
	return b.String()
}

// makeBox returns the rendered lines of a node's box.
func makeBox(node *Node) []string {
	content := []string{node.Label}
	if tag := statusTag(node.Status); tag != "" {
		content[0] = tag + " " + node.Label
	}
	if node.Detail != "" {
		content = append(content, node.Detail)
	}

	maxLen := 0
	for _, line := range content {
		if n := utf8.RuneCountInString(line); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, line := range content {
		padded := line + strings.Repeat(" ", maxLen-utf8.RuneCountInString(line))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return lines
}
