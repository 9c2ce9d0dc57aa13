package diagram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMermaid(t *testing.T) {
	model, err := Build(progressAt(3))
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% S1 / Dr. X (3/7)")
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, "step_1 --> step_2")
	assert.Contains(t, out, "step_7 --> __end__")
	assert.Contains(t, out, "class step_3 completed")
	assert.Contains(t, out, "class step_4 active")
	assert.Contains(t, out, "class step_5 not_reached")
	assert.NotContains(t, out, "class __start__")
}

func TestRenderASCII(t *testing.T) {
	model, err := Build(progressAt(1))
	require.NoError(t, err)

	out := RenderASCII(model)
	assert.Contains(t, out, "=== S1 / Dr. X (1/7) ===")
	assert.Contains(t, out, "[GOING] 1.")
	assert.Contains(t, out, "[NEXT] 2.")
	assert.Contains(t, out, "▼")

	// Every box line of a node has the same width.
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "┌") {
			assert.Equal(t, len([]rune(line)), len([]rune(lines[i+1])), "box at line %d", i)
		}
	}
}

func TestRenderImagePNG(t *testing.T) {
	model, err := Build(progressAt(2))
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	require.True(t, len(png) > 8, "PNG should be larger than header")

	// PNG magic bytes: 0x89 P N G.
	assert.Equal(t, byte(0x89), png[0])
	assert.Equal(t, byte('P'), png[1])
	assert.Equal(t, byte('N'), png[2])
	assert.Equal(t, byte('G'), png[3])
}

func TestRenderImageSVG(t *testing.T) {
	model, err := Build(progressAt(7))
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
}
