package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Clients match on these messages; keep them stable.
const (
	msgNoStructuredResponse = "Structured output requested, but no response was returned"
	msgParseStructured      = "Failed to parse structured output JSON: %v"
	msgSchemaViolation      = "Structured output failed schema validation: %v"
)

// StrictSchema returns a deep copy of schema where every object schema
// requires all of its declared properties and forbids additional ones.
// The transform recurses through properties, items, oneOf, anyOf, and
// allOf. Backends whose structured-output mode insists on closed schemas
// send the strict form to the provider; validation of the result still
// uses the original.
func StrictSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema)+2)
	for k, v := range schema {
		out[k] = v
	}

	if isObjectSchema(out) {
		props, _ := out["properties"].(map[string]any)
		strictProps := make(map[string]any, len(props))
		required := make([]string, 0, len(props))
		for name, sub := range props {
			required = append(required, name)
			if subSchema, ok := sub.(map[string]any); ok {
				strictProps[name] = StrictSchema(subSchema)
			} else {
				strictProps[name] = sub
			}
		}
		sort.Strings(required)
		out["properties"] = strictProps
		out["required"] = required
		out["additionalProperties"] = false
	}

	if items, ok := out["items"].(map[string]any); ok {
		out["items"] = StrictSchema(items)
	}
	for _, key := range []string{"oneOf", "anyOf", "allOf"} {
		list, ok := out[key].([]any)
		if !ok {
			continue
		}
		strictList := make([]any, len(list))
		for i, el := range list {
			if elSchema, ok := el.(map[string]any); ok {
				strictList[i] = StrictSchema(elSchema)
			} else {
				strictList[i] = el
			}
		}
		out[key] = strictList
	}
	return out
}

func isObjectSchema(schema map[string]any) bool {
	if t, ok := schema["type"].(string); ok && t == "object" {
		return true
	}
	_, hasProps := schema["properties"]
	return hasProps
}

// ParseStructured parses an agent's final text as the requested structured
// output and validates it against schema when one is given.
func ParseStructured(text string, schema map[string]any) (any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New(msgNoStructuredResponse)
	}

	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, fmt.Errorf(msgParseStructured, err)
	}

	if schema != nil {
		if err := validateAgainstSchema(v, schema); err != nil {
			return nil, fmt.Errorf(msgSchemaViolation, err)
		}
	}
	return v, nil
}

func validateAgainstSchema(v any, schema map[string]any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schema); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return compiled.Validate(v)
}
