package cliutil

import (
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTableAlignsColumns(t *testing.T) {
	out, err := RenderTable([][]string{
		{"ID", "STATE"},
		{"abc", "running"},
		{"abcdef", "crashed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ID     STATE\nabc    running\nabcdef crashed", out)
}

func TestRenderTableRejectsRaggedRows(t *testing.T) {
	_, err := RenderTable([][]string{
		{"ID", "STATE"},
		{"abc"},
	})
	assert.Error(t, err)
}

func TestRenderTableEmpty(t *testing.T) {
	out, err := RenderTable(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDecoloriseStripsAnsi(t *testing.T) {
	colored := ColoredString("running", color.FgRed)
	assert.Equal(t, "running", Decolorise(colored))
}
