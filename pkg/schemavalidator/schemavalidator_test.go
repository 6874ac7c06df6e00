package schemavalidator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaultSchemaSuccess(t *testing.T) {
	v := New()
	payload := []byte(`{"summary":"fixed the bug","changed_files":["pkg/foo.go"]}`)

	valid, paths, err := v.Validate(DefaultSchemaName, payload)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Empty(t, paths)
}

func TestValidateDefaultSchemaMissingRequired(t *testing.T) {
	v := New()
	payload := []byte(`{"changed_files":["pkg/foo.go"]}`)

	valid, paths, err := v.Validate(DefaultSchemaName, payload)
	require.NoError(t, err)
	assert.False(t, valid)
	require.NotEmpty(t, paths)
	assert.Contains(t, paths[0], "summary")
}

func TestValidateUnknownSchema(t *testing.T) {
	v := New()
	_, _, err := v.Validate("does-not-exist", []byte(`{}`))
	assert.Error(t, err)
}

func TestRegisterAndValidateCustomSchema(t *testing.T) {
	v := New()
	v.Register("strict", `{
		"type": "object",
		"required": ["summary"],
		"properties": {"summary": {"type": "string", "minLength": 5}}
	}`)

	valid, _, err := v.Validate("strict", []byte(`{"summary":"ok"}`))
	require.NoError(t, err)
	assert.False(t, valid)

	valid, _, err = v.Validate("strict", []byte(`{"summary":"a valid summary"}`))
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestCompileIsCachedAcrossCalls(t *testing.T) {
	v := New()
	payload := []byte(`{"summary":"x","changed_files":[]}`)

	_, _, err1 := v.Validate(DefaultSchemaName, payload)
	_, _, err2 := v.Validate(DefaultSchemaName, payload)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Len(t, v.schemas, 1)
}

func TestSchemaForTaskType(t *testing.T) {
	assert.Equal(t, DefaultSchemaName, SchemaForTaskType("bugfix"))
	assert.Equal(t, DefaultSchemaName, SchemaForTaskType("unrecognized-task-type"))
}
