// Package schema holds the static node-type registry: for every node type,
// the configurable properties, their types and options, and the declared
// input/output ports. The registry is read-only at runtime and is the single
// source of truth for workflow validation and evolution checking.
package schema

import (
	"sort"
	"strconv"

	"agentflow.dev/agentflow/runtime/workflow"
)

type (
	// PropertyType tags how a property value is shaped and edited.
	PropertyType string

	// Option is one allowed value of a select or multiselect property.
	Option struct {
		Value string `json:"value"`
		Label string `json:"label,omitempty"`
	}

	// Property describes one configurable field of a node's Data map.
	Property struct {
		Name     string       `json:"name"`
		Label    string       `json:"label,omitempty"`
		Type     PropertyType `json:"type"`
		Required bool         `json:"required,omitempty"`
		Options  []Option     `json:"options,omitempty"`
		Default  any          `json:"default,omitempty"`
		// ShowWhen hides the property in editors unless the named sibling
		// fields hold the given values. Purely advisory at runtime.
		ShowWhen map[string]any `json:"showWhen,omitempty"`
		// Properties nests fields under a group property.
		Properties map[string]Property `json:"properties,omitempty"`
		// Items describes the element shape of an array property.
		Items *Property `json:"items,omitempty"`
	}

	// Port is a declared input or output connection point.
	Port struct {
		ID    string `json:"id"`
		Label string `json:"label,omitempty"`
	}

	// NodeTypeSchema is the full description of one node type.
	NodeTypeSchema struct {
		Type        workflow.NodeType   `json:"type"`
		DisplayName string              `json:"displayName"`
		Description string              `json:"description,omitempty"`
		Properties  map[string]Property `json:"properties"`
		Inputs      []Port              `json:"inputs,omitempty"`
		Outputs     []Port              `json:"outputs,omitempty"`
		// Deletable guards remove-node evolutions. Input and output nodes
		// are never deletable.
		Deletable bool `json:"deletable"`
		Hidden    bool `json:"hidden,omitempty"`
	}

	// Registry maps node types to their schemas.
	Registry struct {
		types map[workflow.NodeType]NodeTypeSchema
	}
)

const (
	TypeString            PropertyType = "string"
	TypeNumber            PropertyType = "number"
	TypeBoolean           PropertyType = "boolean"
	TypeSelect            PropertyType = "select"
	TypeMultiSelect       PropertyType = "multiselect"
	TypeTextArea          PropertyType = "textarea"
	TypeCode              PropertyType = "code"
	TypeReference         PropertyType = "reference"
	TypeConditionRules    PropertyType = "conditionRules"
	TypeInputSelector     PropertyType = "inputSelector"
	TypeMCPServerSelector PropertyType = "mcp-server-selector"
	TypeSchemaBuilder     PropertyType = "schemaBuilder"
	TypeGroup             PropertyType = "group"
	TypeArray             PropertyType = "array"
)

// New builds a registry from the given schemas. Duplicate types keep the
// last entry.
func New(schemas ...NodeTypeSchema) *Registry {
	r := &Registry{types: make(map[workflow.NodeType]NodeTypeSchema, len(schemas))}
	for _, s := range schemas {
		r.types[s.Type] = s
	}
	return r
}

// Lookup returns the schema for a node type.
func (r *Registry) Lookup(t workflow.NodeType) (NodeTypeSchema, bool) {
	s, ok := r.types[t]
	return s, ok
}

// Types returns every registered node type, sorted for determinism.
func (r *Registry) Types() []workflow.NodeType {
	out := make([]workflow.NodeType, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResolvePath walks a property path for the node type, descending through
// group properties and array items. Numeric segments index into the
// preceding array property. It returns the property at the end of the path.
func (r *Registry) ResolvePath(t workflow.NodeType, path []string) (Property, bool) {
	s, ok := r.types[t]
	if !ok || len(path) == 0 {
		return Property{}, false
	}
	props := s.Properties
	var cur Property
	haveCur := false
	for _, seg := range path {
		if _, err := strconv.Atoi(seg); err == nil {
			// Array index: descend into the element schema.
			if !haveCur || !indexable(cur) {
				return Property{}, false
			}
			cur = *cur.Items
			props = cur.Properties
			continue
		}
		if props == nil {
			return Property{}, false
		}
		p, ok := props[seg]
		if !ok {
			return Property{}, false
		}
		cur, haveCur = p, true
		if p.Type == TypeGroup {
			props = p.Properties
		} else {
			props = nil
		}
	}
	return cur, haveCur
}

func indexable(p Property) bool {
	return (p.Type == TypeArray || p.Type == TypeConditionRules) && p.Items != nil
}

// ValidateData checks a node's config map against its type schema and
// returns human-readable problems. An unknown node type is itself a problem.
func (r *Registry) ValidateData(n workflow.Node) []string {
	s, ok := r.types[n.Type]
	if !ok {
		return []string{"unknown node type " + string(n.Type)}
	}
	var problems []string
	if dt, _ := n.Data["type"].(string); dt != "" && dt != string(n.Type) {
		problems = append(problems, "data.type "+dt+" does not match node type "+string(n.Type))
	}
	for name, p := range s.Properties {
		v, present := n.Data[name]
		if !present || v == nil {
			if p.Required {
				problems = append(problems, "missing required property "+name)
			}
			continue
		}
		problems = append(problems, checkValue(name, p, v)...)
	}
	return problems
}

// CheckValue validates a single value against a property schema.
func CheckValue(p Property, v any) []string {
	return checkValue(p.Name, p, v)
}

func checkValue(name string, p Property, v any) []string {
	switch p.Type {
	case TypeString, TypeTextArea, TypeCode, TypeReference, TypeSchemaBuilder:
		if _, ok := v.(string); !ok {
			return []string{name + " must be a string"}
		}
	case TypeNumber:
		switch v.(type) {
		case float64, int:
		default:
			return []string{name + " must be a number"}
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return []string{name + " must be a boolean"}
		}
	case TypeSelect:
		s, ok := v.(string)
		if !ok {
			return []string{name + " must be a string"}
		}
		if !hasOption(p.Options, s) {
			return []string{name + " value " + s + " is not an allowed option"}
		}
	case TypeMultiSelect:
		items, ok := v.([]any)
		if !ok {
			return []string{name + " must be an array of strings"}
		}
		var problems []string
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				problems = append(problems, name+" items must be strings")
				continue
			}
			if len(p.Options) > 0 && !hasOption(p.Options, s) {
				problems = append(problems, name+" value "+s+" is not an allowed option")
			}
		}
		return problems
	case TypeInputSelector, TypeMCPServerSelector:
		if _, ok := v.(map[string]any); !ok {
			return []string{name + " must be an object"}
		}
	case TypeGroup:
		m, ok := v.(map[string]any)
		if !ok {
			return []string{name + " must be an object"}
		}
		var problems []string
		for sub, sp := range p.Properties {
			sv, present := m[sub]
			if !present || sv == nil {
				if sp.Required {
					problems = append(problems, name+"."+sub+" is required")
				}
				continue
			}
			problems = append(problems, checkValue(name+"."+sub, sp, sv)...)
		}
		return problems
	case TypeArray, TypeConditionRules:
		items, ok := v.([]any)
		if !ok {
			return []string{name + " must be an array"}
		}
		if p.Items == nil {
			return nil
		}
		var problems []string
		for i, item := range items {
			problems = append(problems, checkValue(name+"["+strconv.Itoa(i)+"]", *p.Items, item)...)
		}
		return problems
	}
	return nil
}

func hasOption(opts []Option, v string) bool {
	for _, o := range opts {
		if o.Value == v {
			return true
		}
	}
	return false
}
