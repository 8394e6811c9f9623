package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxLogsPerRequest bounds one POST /api/v1/logs body
const MaxLogsPerRequest = 10000

const submitLogsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["logs"],
  "properties": {
    "logs": {
      "type": "array",
      "minItems": 1,
      "maxItems": 10000,
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "source": {"enum": ["syslog", "database", "windows_event", "dataset"]},
          "timestamp": {"type": "string", "format": "date-time"},
          "raw": {"type": "string"},
          "structured": {"type": "object"},
          "metadata": {"type": "object"},
          "source_ip": {"type": "string"},
          "destination_ip": {"type": "string"},
          "user": {"type": "string"},
          "event_type": {"type": "string"}
        },
        "anyOf": [
          {"required": ["raw"], "properties": {"raw": {"minLength": 1}}},
          {"required": ["structured"], "properties": {"structured": {"minProperties": 1}}}
        ]
      }
    }
  }
}`

// SchemaValidator checks request bodies against a compiled JSON schema
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSubmitLogsValidator compiles the schema for POST /api/v1/logs
func NewSubmitLogsValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource("submit_logs.json", strings.NewReader(submitLogsSchema)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("submit_logs.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate checks a raw JSON document
func (v *SchemaValidator) Validate(body []byte) error {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
