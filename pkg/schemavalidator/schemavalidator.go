// Package schemavalidator validates a run's structured response.json
// against a named JSON schema (draft-07). Compiled schemas are cached
// by name.
package schemavalidator

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/cuemby/hutch/pkg/herrors"
)

// DefaultSchemaName is the built-in schema covering the common shape:
// summary (required), changed_files (required), optional commands_run,
// tests_run, next_steps.
const DefaultSchemaName = "default"

const defaultSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["summary", "changed_files"],
  "properties": {
    "summary": {"type": "string"},
    "changed_files": {"type": "array", "items": {"type": "string"}},
    "commands_run": {"type": "array", "items": {"type": "string"}},
    "tests_run": {
      "type": "object",
      "properties": {
        "passed": {"type": "integer"},
        "failed": {"type": "integer"},
        "skipped": {"type": "integer"}
      }
    },
    "next_steps": {"type": "array", "items": {"type": "string"}}
  }
}`

// taskTypeSchemas maps free-text task types to a schema name, so callers
// can select an appropriate schema without configuring one explicitly.
var taskTypeSchemas = map[string]string{
	"refactor":      DefaultSchemaName,
	"bugfix":        DefaultSchemaName,
	"feature":       DefaultSchemaName,
	"investigation": DefaultSchemaName,
	"review":        DefaultSchemaName,
}

// Validator caches loaded schemas by name.
type Validator struct {
	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema
	raw     map[string]string
}

// New returns a Validator pre-seeded with the built-in default schema.
func New() *Validator {
	v := &Validator{
		schemas: map[string]*gojsonschema.Schema{},
		raw:     map[string]string{DefaultSchemaName: defaultSchemaJSON},
	}
	return v
}

// Register adds (or overwrites) a named schema's source document. It
// does not compile the schema; compilation is deferred to first use and
// cached.
func (v *Validator) Register(name, schemaJSON string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.raw[name] = schemaJSON
	delete(v.schemas, name)
}

// SchemaForTaskType resolves a free-text task type to a schema name via
// the built-in task-type map, falling back to the default schema.
func SchemaForTaskType(taskType string) string {
	if name, ok := taskTypeSchemas[taskType]; ok {
		return name
	}
	return DefaultSchemaName
}

func (v *Validator) compile(name string) (*gojsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.schemas[name]; ok {
		return s, nil
	}
	doc, ok := v.raw[name]
	if !ok {
		return nil, herrors.New(herrors.KindValidation, fmt.Sprintf("unknown schema %q", name))
	}
	loader := gojsonschema.NewStringLoader(doc)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindValidation, fmt.Sprintf("schema %q failed to compile", name), err)
	}
	v.schemas[name] = schema
	return schema, nil
}

// Validate checks payload (the raw bytes of response.json) against the
// named schema, returning human-readable error paths of the form
// `root → field → index → ...` on failure.
func (v *Validator) Validate(schemaName string, payload []byte) (bool, []string, error) {
	schema, err := v.compile(schemaName)
	if err != nil {
		return false, nil, err
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return false, nil, herrors.Wrap(herrors.KindValidation, "malformed document", err)
	}
	if result.Valid() {
		return true, nil, nil
	}

	paths := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		paths = append(paths, formatPath(e))
	}
	return false, paths, nil
}

// formatPath renders one gojsonschema.ResultError as `root.field:
// message`, e.g. "root.summary: required property missing".
func formatPath(e gojsonschema.ResultError) string {
	field := e.Field()
	if field == "" || field == "(root)" {
		field = "root"
	} else {
		field = "root." + field
	}
	return fmt.Sprintf("%s: %s", field, e.Description())
}
