package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaBuilder(t *testing.T) {
	s := NewSchema("lookup", "Look something up").
		AddParam("query", "string", "What to look up", true).
		AddParamWithEnum("mode", "string", "Search mode", []string{"fast", "deep"}, false).
		Build()

	props := s.Parameters["properties"].(map[string]interface{})
	require.Len(t, props, 2)
	assert.Equal(t, []string{"query"}, s.Parameters["required"])
	assert.Equal(t, []string{"fast", "deep"}, props["mode"].(map[string]interface{})["enum"])

	def := s.Definition()
	assert.Equal(t, "lookup", def.Name)
	assert.Equal(t, "object", def.InputSchema["type"])
}

func TestBuiltinSchemasRequireArguments(t *testing.T) {
	fetch, ok := Builtin().Get(FetchURL)
	require.True(t, ok)
	assert.Equal(t, []string{"url"}, fetch.Parameters["required"])

	end, ok := Builtin().Get(EndConversation)
	require.True(t, ok)
	assert.Empty(t, end.Parameters["required"])
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	defs := Builtin().Definitions()
	require.Len(t, defs, 4)
	for i := 1; i < len(defs); i++ {
		assert.Less(t, defs[i-1].Name, defs[i].Name)
	}

	min := Minimal()
	assert.True(t, min.Has(EndConversation))
	assert.False(t, min.Has(FetchURL))
}
