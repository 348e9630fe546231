package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tasklace/tasklace/pkg/schema"
)

// documentSchemaJSON is the JSON Schema for WorkflowDocument validation.
// Embedded as a constant to avoid filesystem dependencies.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://tasklace.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "tasks"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "variables": { "type": "object" },
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/task" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "task": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": {
          "type": "string",
          "pattern": "^(tool|model|handler|custom:.+)$"
        },
        "action": { "type": "string" },
        "input": { "type": "object" },
        "condition": { "type": "string" },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "on_success": { "type": "string" },
        "on_failure": { "type": "string" },
        "branches": {
          "type": "array",
          "items": { "$ref": "#/$defs/branch" }
        },
        "retry": { "$ref": "#/$defs/retry" },
        "parallel": { "type": "boolean" },
        "join": { "$ref": "#/$defs/join" },
        "transform": { "type": "string" },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "branch": {
      "type": "object",
      "required": ["when", "to"],
      "properties": {
        "when": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_retries"],
      "properties": {
        "max_retries": { "type": "integer", "minimum": 0 },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "join": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["all", "any", "count"] },
        "count": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    }
  }
}`

// DocumentValidator validates workflow documents against the embedded JSON
// Schema (Draft 2020-12). Safe for concurrent use.
type DocumentValidator struct {
	documentSchema *jsonschema.Schema
}

// NewDocumentValidator compiles the embedded workflow document schema.
func NewDocumentValidator() (*DocumentValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow document schema: %w", err)
	}
	if err := c.AddResource("https://tasklace.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow document schema resource: %w", err)
	}

	compiled, err := c.Compile("https://tasklace.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow document schema: %w", err)
	}
	return &DocumentValidator{documentSchema: compiled}, nil
}

// ValidateBytes validates raw JSON against the workflow document schema.
func (v *DocumentValidator) ValidateBytes(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is not valid JSON").WithCause(err)
	}
	if err := v.documentSchema.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow document schema violation: %s", err.Error()).WithCause(err)
	}
	return nil
}

// LoadDocument validates raw JSON, decodes it, and compiles it into a
// Workflow that has passed the structural checks. This is the one entry
// point external documents go through before a run.
func (v *DocumentValidator) LoadDocument(raw []byte) (*schema.Workflow, error) {
	if err := v.ValidateBytes(raw); err != nil {
		return nil, err
	}

	var doc schema.WorkflowDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode workflow document").WithCause(err)
	}

	wf, err := doc.Compile()
	if err != nil {
		return nil, err
	}
	if err := ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	return wf, nil
}
