package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	t.Run("no markers", func(t *testing.T) {
		out, err := RenderTemplate("plain <text>", nil)
		require.NoError(t, err)
		assert.Equal(t, "plain <text>", out)
	})

	t.Run("no html escaping", func(t *testing.T) {
		out, err := RenderTemplate("Scan {{.target}}", map[string]any{"target": "<a href='x'>"})
		require.NoError(t, err)
		assert.Equal(t, "Scan <a href='x'>", out)
	})

	t.Run("helpers", func(t *testing.T) {
		out, err := RenderTemplate(`{{upper .agent}} {{default "n/a" .missing}} {{kv .parameters}}`, map[string]any{
			"agent":      "recon",
			"missing":    "",
			"parameters": map[string]any{"depth": 2, "mode": "fast"},
		})
		require.NoError(t, err)
		assert.Equal(t, "RECON n/a depth=2, mode=fast", out)
	})

	t.Run("parse error", func(t *testing.T) {
		_, err := RenderTemplate("{{.target", nil)
		assert.Error(t, err)
	})
}
