package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// configSchema is the structural contract a run configuration document must
// satisfy before it is unmarshaled. Semantic rules (duration values, threshold
// expressions, URL shapes) are checked afterward by Validate.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["scenarios"],
  "properties": {
    "name": {"type": "string"},
    "description": {"type": "string"},
    "settings": {"type": "object"},
    "variables": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "scenarios": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["stages", "request"],
        "properties": {
          "stages": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["duration", "target"],
              "properties": {
                "duration": {"type": "string"},
                "target": {"type": "integer", "minimum": 0},
                "name": {"type": "string"}
              }
            }
          },
          "request": {
            "type": "object",
            "required": ["method", "url"],
            "properties": {
              "method": {"type": "string"},
              "url": {"type": "string"},
              "headers": {"type": "object"},
              "body": {"type": "string"}
            }
          },
          "think": {"type": "object"},
          "timeout": {"type": "string"},
          "maxRate": {"type": "number", "minimum": 0},
          "variables": {"type": "object"}
        }
      }
    },
    "thresholds": {
      "type": "array",
      "items": {"type": "string"}
    },
    "verdict": {"type": "object"},
    "snapshot": {
      "type": "object",
      "required": ["url"],
      "properties": {
        "url": {"type": "string"},
        "path": {"type": "string"},
        "timeout": {"type": "string"},
        "headers": {"type": "object"}
      }
    },
    "checkpoints": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["label"],
        "properties": {
          "label": {"type": "string"},
          "at": {"type": "string"},
          "atEnd": {"type": "boolean"}
        }
      }
    }
  }
}`

// validateDocument checks a raw YAML (or JSON) document against configSchema.
// The document is converted to plain JSON values first so one schema covers
// both encodings.
func validateDocument(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	var jsonDoc interface{}
	if err := json.Unmarshal(jsonData, &jsonDoc); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.json", strings.NewReader(configSchema)); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile("config.json")
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	if err := schema.Validate(jsonDoc); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return schemaError(verr)
		}
		return err
	}
	return nil
}

// schemaError flattens a jsonschema.ValidationError tree into a
// ValidationErrors value so schema and semantic failures read alike.
func schemaError(err *jsonschema.ValidationError) error {
	errs := &ValidationErrors{}
	collectSchemaErrors(err, errs)
	if !errs.HasErrors() {
		errs.Add("", err.Message)
	}
	return errs
}

func collectSchemaErrors(err *jsonschema.ValidationError, errs *ValidationErrors) {
	if len(err.Causes) == 0 {
		field := strings.TrimPrefix(err.InstanceLocation, "/")
		field = strings.ReplaceAll(field, "/", ".")
		errs.Add(field, err.Message)
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, errs)
	}
}
