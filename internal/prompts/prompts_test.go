package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogueRendersEveryTemplate(t *testing.T) {
	c := Default()
	data := Data{
		Topic: "coral bleaching", HypothesisCount: 3, Loop: 2, TotalLoops: 3,
		Title: "Heat shock proteins", Summary: "s", Previous: "prior output", Output: "raw",
	}
	for _, name := range required {
		out, err := c.Render(name, data)
		require.NoError(t, err, name)
		assert.NotEmpty(t, strings.TrimSpace(out), name)
	}

	out, err := c.Render(Divergent, data)
	require.NoError(t, err)
	assert.Contains(t, out, "coral bleaching")
	assert.Contains(t, out, "loop 2 of 3")

	out, err = c.Render(Divergent, Data{Topic: "t", HypothesisCount: 1, Loop: 1, TotalLoops: 1})
	require.NoError(t, err)
	assert.NotContains(t, out, "loop")

	out, err = c.Render(PhaseC, data)
	require.NoError(t, err)
	assert.Contains(t, out, "prior output")
}

func TestParseRejectsIncompleteCatalogue(t *testing.T) {
	_, err := Parse(strings.NewReader("version: 1\ntemplates:\n  divergent: hi\n"))
	assert.ErrorContains(t, err, "missing template")

	_, err = Parse(strings.NewReader("version: 1\nunknown: true\n"))
	assert.Error(t, err)

	_, err = Parse(strings.NewReader("templates:\n  divergent: \"{{ .Topic \"\n"))
	assert.ErrorContains(t, err, "parse template")
}

func TestLoadFromFile(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.NotNil(t, c)

	var b strings.Builder
	b.WriteString("version: 2\ntemplates:\n")
	for _, name := range required {
		b.WriteString("  " + name + ": \"custom {{ .Topic }}\"\n")
	}
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))

	c, err = Load(path)
	require.NoError(t, err)
	out, err := c.Render(PhaseB, Data{Topic: "x"})
	require.NoError(t, err)
	assert.Equal(t, "custom x", out)

	_, err = c.Render("nope", Data{})
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
