// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package plugin

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id of the generated manifest schema.
const SchemaID = "https://pluginhost.dev/schemas/plugin.schema.json"

var (
	schemaMu    sync.Mutex
	schemaCache *jschema.Schema
)

// GenerateSchema generates a JSON Schema from the Manifest struct.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		FieldNameTag:   "yaml",
	}
	schema := r.Reflect(&Manifest{})

	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "Plugin Manifest"
	schema.Description = "Schema for plugin.yaml and plugin.json manifest files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "marshal schema")
	}
	return data, nil
}

// ValidateSchema validates manifest data (YAML or JSON) against the
// generated schema.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return oops.Code("MANIFEST_INVALID").Errorf("manifest data is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.Code("MANIFEST_INVALID").Wrapf(err, "invalid manifest syntax")
	}

	sch, err := compiledSchema()
	if err != nil {
		return err
	}

	if err := sch.Validate(toJSONTypes(doc)); err != nil {
		return oops.Code("MANIFEST_SCHEMA").Wrapf(err, "schema validation failed")
	}
	return nil
}

func compiledSchema() (*jschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	if schemaCache != nil {
		return schemaCache, nil
	}

	raw, err := GenerateSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, oops.In("schema").Wrapf(err, "parse schema JSON")
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("plugin.schema.json", doc); err != nil {
		return nil, oops.In("schema").Wrapf(err, "add schema resource")
	}
	sch, err := c.Compile("plugin.schema.json")
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "compile schema")
	}

	schemaCache = sch
	return sch, nil
}

// toJSONTypes normalizes YAML-decoded values to the types the validator
// expects.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSONTypes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSONTypes(item)
		}
		return out
	case string, bool, float64, int, int64, nil:
		return val
	default:
		if b, err := json.Marshal(val); err == nil {
			var out any
			if err := json.Unmarshal(b, &out); err == nil {
				return out
			}
		}
		return val
	}
}

// ResetSchemaCache clears the compiled schema.
func ResetSchemaCache() {
	schemaMu.Lock()
	schemaCache = nil
	schemaMu.Unlock()
}

// FormatSchemaError trims the wrapping of a schema validation error for
// display.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimPrefix(err.Error(), "schema validation failed: ")
}
