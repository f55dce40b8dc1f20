package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("plain", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	out, err = RenderTemplate(`{{upper .Task}} {{default "none" .Missing}} {{join "," .Models}}`, map[string]any{
		"Task":   "booking",
		"Models": []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "BOOKING none a,b", out)

	out, err = RenderTemplate(`<{{.X}}>`, map[string]any{"X": "a & b"})
	require.NoError(t, err)
	assert.Equal(t, "<a & b>", out)

	_, err = RenderTemplate("{{.X", nil)
	assert.Error(t, err)
}
