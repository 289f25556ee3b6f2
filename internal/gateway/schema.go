package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// pipelineSchema is the wire contract for pipeline definitions submitted via
// the HTTP API. Structural validation beyond the schema (unique node ids,
// resolvable edge endpoints) happens in config.PipelineConfig.Validate.
const pipelineSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "nodes", "edges"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {
            "enum": ["llm", "gate", "router", "coordinator", "aggregator",
                     "orchestrator", "worker", "synthesizer", "evaluator"]
          },
          "model": {"type": "string"},
          "prompt": {"type": "string"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to", "type"],
        "properties": {
          "from": {"$ref": "#/$defs/endpoint"},
          "to": {"$ref": "#/$defs/endpoint"},
          "type": {"enum": ["direct", "dynamic", "conditional", "parallel"]}
        }
      }
    }
  },
  "$defs": {
    "endpoint": {
      "oneOf": [
        {"type": "string", "minLength": 1},
        {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1}
      ]
    }
  }
}`

var compiledPipelineSchema = jsonschema.MustCompileString("pipeline.json", pipelineSchema)

// validatePipelineJSON checks a raw pipeline definition against the schema.
func validatePipelineJSON(data []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return compiledPipelineSchema.Validate(doc)
}
