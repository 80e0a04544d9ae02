package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema is the structural contract a config document must meet
// before field-level validation runs. It guards the types and ranges
// that would otherwise surface as confusing zero-value behavior.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "project": {
      "type": "object",
      "properties": {
        "raw_path": {"type": "string"},
        "processed_dir": {"type": "string"},
        "artifacts_dir": {"type": "string"},
        "results_dir": {"type": "string"},
        "port": {"type": "string", "minLength": 1},
        "seed": {"type": "integer"}
      }
    },
    "time": {
      "type": "object",
      "properties": {
        "dt_minutes": {"type": "integer", "minimum": 1},
        "timezone": {"type": "string"},
        "t0": {"type": "string"}
      }
    },
    "port_filter": {
      "type": "object",
      "properties": {
        "ports_file": {"type": "string"},
        "use_polygon": {"type": "boolean"},
        "bbox_override": {
          "anyOf": [
            {"type": "null"},
            {"type": "array", "items": {"type": "number"}, "maxItems": 0},
            {"type": "array", "items": {"type": "number"}, "minItems": 4, "maxItems": 4}
          ]
        }
      }
    },
    "grid": {
      "type": "object",
      "properties": {
        "nx": {"type": "integer", "minimum": 1},
        "ny": {"type": "integer", "minimum": 1}
      }
    },
    "discretization": {
      "type": "object",
      "properties": {
        "q_low": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 1},
        "q_high": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 1},
        "fit_on": {"enum": ["clean", "explicit_range"]}
      }
    },
    "experiments": {
      "type": "object",
      "properties": {
        "scenario": {"enum": ["", "S0", "S1", "S2", "S3"]}
      }
    },
    "anomaly": {
      "type": "object",
      "properties": {
        "threshold": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "daemon": {
      "type": "object",
      "properties": {
        "debounce_ms": {"type": "integer", "minimum": 0},
        "listen_addr": {"type": "string"}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"enum": ["", "debug", "info", "warn", "error"]},
        "format": {"enum": ["", "text", "json"]}
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", strings.NewReader(configSchema)); err != nil {
		panic(fmt.Sprintf("config: add schema resource: %v", err))
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("config: compile schema: %v", err))
	}
	return schema
}

// ValidateSchema checks a config against the JSON Schema contract. It
// complements Validate, which enforces cross-field rules the schema
// cannot express.
func (c *Config) ValidateSchema() error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode for schema check: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: decode for schema check: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("config: schema violation: %w", err)
	}
	return nil
}

// ValidateDocument checks a raw JSON config document against the schema
// without materializing a Config.
func ValidateDocument(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse document: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("config: schema violation: %w", err)
	}
	return nil
}
