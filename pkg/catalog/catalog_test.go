package catalog

import (
	"path/filepath"
	"testing"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
version: 1
models:
  - id: llama3:8b
    name: Llama 3 8B
    provider: ollama
    family: llama
    context_length: 8192
    tags: [chat]
  - id: gpt-4o-mini
    provider: openai
  - id: llama3:70b
    provider: ollama
`

func TestParseValidCatalog(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, c.Version)
	require.Len(t, c.Models, 3)
	assert.Equal(t, 8192, c.Models[0].ContextLength)
	assert.Equal(t, []string{"chat"}, c.Models[0].Tags)
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"not yaml", "models: [\n"},
		{"wrong version", "version: 2\nmodels: []\n"},
		{"missing version", "models: []\n"},
		{"model without id", "version: 1\nmodels:\n  - name: x\n"},
		{"unknown field", "version: 1\nmodels:\n  - id: x\n    colour: red\n"},
		{"negative context", "version: 1\nmodels:\n  - id: x\n    context_length: -1\n"},
		{"duplicate id", "version: 1\nmodels:\n  - id: x\n  - id: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errdefs.IsConfig(err), err.Error())
		})
	}
}

func TestStoreImportAndFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "catalog.yaml")
	s, err := Open(path)
	require.NoError(t, err)

	models, err := s.List(Filter{})
	require.NoError(t, err)
	assert.Empty(t, models)

	_, err = s.Import([]byte(sample))
	require.NoError(t, err)

	models, err = s.List(Filter{ID: "llama*"})
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3:70b", models[0].ID)
	assert.Equal(t, "llama3:8b", models[1].ID)

	models, err = s.List(Filter{Provider: "openai"})
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-4o-mini", models[0].ID)

	reopened, err := Open(path)
	require.NoError(t, err)
	models, err = reopened.List(Filter{})
	require.NoError(t, err)
	assert.Len(t, models, 3)
}

func TestFailedImportKeepsCatalog(t *testing.T) {
	s := NewStore("")
	_, err := s.Import([]byte(sample))
	require.NoError(t, err)

	_, err = s.Import([]byte("version: 7\nmodels: []\n"))
	assert.True(t, errdefs.IsConfig(err))

	models, err := s.List(Filter{})
	require.NoError(t, err)
	assert.Len(t, models, 3)
}
