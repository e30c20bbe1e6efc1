package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func noopHandler(context.Context, map[string]any) (string, error) { return "", nil }

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	schema := objectSchema(map[string]any{"q": map[string]any{"type": "string"}}, "q")
	require.NoError(t, r.Register("search", "find things", schema, noopHandler))

	h, ok := r.Resolve("search")
	assert.True(t, ok)
	assert.NotNil(t, h)

	_, ok = r.Resolve("missing")
	assert.False(t, ok)

	specs := r.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, "search", specs[0].Name)
	assert.Equal(t, "find things", specs[0].Description)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	r := NewRegistry()
	schema := objectSchema(map[string]any{})
	require.NoError(t, r.Register("dup", "", schema, noopHandler))
	assert.ErrorIs(t, r.Register("dup", "", schema, noopHandler), ErrDuplicateTool)
}

func TestUnregisterAndClear(t *testing.T) {
	r := NewRegistry()
	schema := objectSchema(map[string]any{})
	require.NoError(t, r.Register("a", "", schema, noopHandler))
	require.NoError(t, r.Register("b", "", schema, noopHandler))

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))

	r.Clear()
	_, ok := r.Resolve("b")
	assert.False(t, ok)
}

func TestValidateSchema(t *testing.T) {
	cases := []struct {
		name   string
		schema map[string]any
		ok     bool
	}{
		{"nil", nil, false},
		{"not object", map[string]any{"type": "string"}, false},
		{"no properties", map[string]any{"type": "object"}, false},
		{"bare object", objectSchema(map[string]any{}), true},
		{"required declared", objectSchema(map[string]any{"x": map[string]any{}}, "x"), true},
		{"required undeclared", objectSchema(map[string]any{"x": map[string]any{}}, "y"), false},
		{"required wrong type", map[string]any{
			"type": "object", "properties": map[string]any{}, "required": "x",
		}, false},
		{"required untyped list", map[string]any{
			"type":       "object",
			"properties": map[string]any{"x": map[string]any{}},
			"required":   []any{"x"},
		}, true},
		{"required untyped list undeclared", map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []any{"ghost"},
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSchema(tc.schema)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestChainResolvers(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	schema := objectSchema(map[string]any{})
	require.NoError(t, a.Register("only-a", "", schema, noopHandler))
	require.NoError(t, b.Register("only-b", "", schema, noopHandler))

	chain := ChainResolvers(a, b)
	_, ok := chain.Resolve("only-a")
	assert.True(t, ok)
	_, ok = chain.Resolve("only-b")
	assert.True(t, ok)
	_, ok = chain.Resolve("neither")
	assert.False(t, ok)
}
