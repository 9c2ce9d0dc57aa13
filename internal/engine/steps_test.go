package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/prodtrack/pkg/schema"
)

func TestDefaultStepCatalog(t *testing.T) {
	c := DefaultStepCatalog()
	assert.Equal(t, 7, c.Len())

	def, ok := c.Get(3)
	require.True(t, ok)
	assert.Equal(t, "recording", def.Key)
	assert.NotEmpty(t, def.Rule)

	_, ok = c.Get(0)
	assert.False(t, ok)
	_, ok = c.Get(8)
	assert.False(t, ok)

	steps := c.Steps()
	steps[0].Key = "mutated"
	first, _ := c.Get(1)
	assert.Equal(t, "brief", first.Key)
}

func TestNewStepCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		defs []schema.StepDefinition
	}{
		{"empty", nil},
		{"gap", []schema.StepDefinition{{Number: 1, Key: "a", Label: "A"}, {Number: 3, Key: "b", Label: "B"}}},
		{"missing label", []schema.StepDefinition{{Number: 1, Key: "a"}}},
		{"duplicate key", []schema.StepDefinition{{Number: 1, Key: "a", Label: "A"}, {Number: 2, Key: "a", Label: "B"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStepCatalog(tt.defs)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestNewStepCatalog_Custom(t *testing.T) {
	c, err := NewStepCatalog([]schema.StepDefinition{
		{Number: 1, Key: "draft", Label: "Draft"},
		{Number: 2, Key: "ship", Label: "Ship"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
}
