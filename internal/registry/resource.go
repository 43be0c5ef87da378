package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
)

// ParamSpec describes one declared parameter of a Resource.
type ParamSpec struct {
	Type      string        `json:"type"`
	Required  bool          `json:"required,omitempty"`
	Minimum   *float64      `json:"minimum,omitempty"`
	Maximum   *float64      `json:"maximum,omitempty"`
	MinLength *int          `json:"minLength,omitempty"`
	MaxLength *int          `json:"maxLength,omitempty"`
	Enum      []interface{} `json:"enum,omitempty"`
	Pattern   string        `json:"pattern,omitempty"`
	Default   interface{}   `json:"default,omitempty"`
}

// Resource describes one callable capability. Name is the lookup key within
// its owning Server and, after exposure, within the registry's catalogue.
type Resource struct {
	Name                string                 `json:"name"`
	Description         string                 `json:"description,omitempty"`
	URI                 string                 `json:"uri,omitempty"`
	MimeType            string                 `json:"mimeType,omitempty"`
	Parameters          map[string]*ParamSpec  `json:"parameters,omitempty"`
	Schema              json.RawMessage        `json:"schema,omitempty"`
	RequiredPermissions []string               `json:"requiredPermissions,omitempty"`
	Enabled             bool                   `json:"enabled"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// NewResource creates an enabled Resource with no declared parameters.
func NewResource(name, description, uri string) *Resource {
	return &Resource{
		Name:        name,
		Description: description,
		URI:         uri,
		Parameters:  make(map[string]*ParamSpec),
		Enabled:     true,
	}
}

// ValidateParameters checks args against the declared parameter specs and
// returns one message per violation. Unknown extra arguments are ignored.
// The list is empty iff every supplied argument is valid and every required
// parameter is present. Pure: no I/O, no mutation.
func (r *Resource) ValidateParameters(args map[string]interface{}) []string {
	if len(r.Parameters) == 0 {
		return nil
	}

	names := make([]string, 0, len(r.Parameters))
	for name := range r.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems []string
	for _, name := range names {
		spec := r.Parameters[name]
		value, present := args[name]
		if !present {
			if spec.Required {
				problems = append(problems, fmt.Sprintf("missing required parameter %q", name))
			}
			continue
		}
		problems = append(problems, spec.check(name, value)...)
	}
	return problems
}

// check validates a single supplied value against its spec.
func (s *ParamSpec) check(name string, value interface{}) []string {
	var problems []string

	switch s.Type {
	case "string":
		str, ok := value.(string)
		if !ok {
			return []string{fmt.Sprintf("parameter %q: expected string, got %s", name, typeName(value))}
		}
		if s.MinLength != nil && len(str) < *s.MinLength {
			problems = append(problems, fmt.Sprintf("parameter %q: length %d is below minLength %d", name, len(str), *s.MinLength))
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			problems = append(problems, fmt.Sprintf("parameter %q: length %d exceeds maxLength %d", name, len(str), *s.MaxLength))
		}
		if s.Pattern != "" {
			matched, err := regexp.MatchString(s.Pattern, str)
			if err != nil {
				problems = append(problems, fmt.Sprintf("parameter %q: invalid pattern %q", name, s.Pattern))
			} else if !matched {
				problems = append(problems, fmt.Sprintf("parameter %q: value does not match pattern %q", name, s.Pattern))
			}
		}
	case "integer":
		f, ok := toFloat(value)
		if !ok || f != math.Trunc(f) {
			return []string{fmt.Sprintf("parameter %q: expected integer, got %s", name, typeName(value))}
		}
		problems = append(problems, s.checkRange(name, f)...)
	case "number":
		f, ok := toFloat(value)
		if !ok {
			return []string{fmt.Sprintf("parameter %q: expected number, got %s", name, typeName(value))}
		}
		problems = append(problems, s.checkRange(name, f)...)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return []string{fmt.Sprintf("parameter %q: expected boolean, got %s", name, typeName(value))}
		}
	case "array":
		v := reflect.ValueOf(value)
		if !v.IsValid() || (v.Kind() != reflect.Slice && v.Kind() != reflect.Array) {
			return []string{fmt.Sprintf("parameter %q: expected array, got %s", name, typeName(value))}
		}
	}

	if len(s.Enum) > 0 && !enumContains(s.Enum, value) {
		problems = append(problems, fmt.Sprintf("parameter %q: value is not one of the allowed values", name))
	}
	return problems
}

func (s *ParamSpec) checkRange(name string, f float64) []string {
	var problems []string
	if s.Minimum != nil && f < *s.Minimum {
		problems = append(problems, fmt.Sprintf("parameter %q: %v is below minimum %v", name, f, *s.Minimum))
	}
	if s.Maximum != nil && f > *s.Maximum {
		problems = append(problems, fmt.Sprintf("parameter %q: %v exceeds maximum %v", name, f, *s.Maximum))
	}
	return problems
}

// toFloat normalizes any numeric value for comparison. JSON decoding yields
// float64 but internal callers may pass native ints.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func enumContains(enum []interface{}, value interface{}) bool {
	for _, e := range enum {
		if reflect.DeepEqual(e, value) {
			return true
		}
		ef, eok := toFloat(e)
		vf, vok := toFloat(value)
		if eok && vok && ef == vf {
			return true
		}
	}
	return false
}

func typeName(v interface{}) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64, json.Number:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return reflect.TypeOf(v).String()
	}
}

// schemaProperty is the subset of JSON Schema this engine understands.
type schemaProperty struct {
	Type        string        `json:"type,omitempty"`
	Description string        `json:"description,omitempty"`
	Minimum     *float64      `json:"minimum,omitempty"`
	Maximum     *float64      `json:"maximum,omitempty"`
	MinLength   *int          `json:"minLength,omitempty"`
	MaxLength   *int          `json:"maxLength,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Pattern     string        `json:"pattern,omitempty"`
	Default     interface{}   `json:"default,omitempty"`
}

// ParamsFromSchema converts a JSON-schema object into parameter specs.
// Unsupported schema constructs are dropped; the raw schema should be kept
// alongside for lossless re-emission.
func ParamsFromSchema(schema json.RawMessage) map[string]*ParamSpec {
	if len(schema) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]schemaProperty `json:"properties"`
		Required   []string                  `json:"required"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil || len(doc.Properties) == 0 {
		return nil
	}

	required := make(map[string]bool, len(doc.Required))
	for _, name := range doc.Required {
		required[name] = true
	}

	params := make(map[string]*ParamSpec, len(doc.Properties))
	for name, prop := range doc.Properties {
		params[name] = &ParamSpec{
			Type:      prop.Type,
			Required:  required[name],
			Minimum:   prop.Minimum,
			Maximum:   prop.Maximum,
			MinLength: prop.MinLength,
			MaxLength: prop.MaxLength,
			Enum:      prop.Enum,
			Pattern:   prop.Pattern,
			Default:   prop.Default,
		}
	}
	return params
}

// SchemaFromParams builds a JSON-schema object from parameter specs, with
// properties and the required list in sorted order for stable output.
func SchemaFromParams(params map[string]*ParamSpec) json.RawMessage {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	properties := make(map[string]schemaProperty, len(params))
	var required []string
	for _, name := range names {
		spec := params[name]
		properties[name] = schemaProperty{
			Type:      spec.Type,
			Minimum:   spec.Minimum,
			Maximum:   spec.Maximum,
			MinLength: spec.MinLength,
			MaxLength: spec.MaxLength,
			Enum:      spec.Enum,
			Pattern:   spec.Pattern,
			Default:   spec.Default,
		}
		if spec.Required {
			required = append(required, name)
		}
	}

	doc := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// Clone returns a deep-enough copy for safe concurrent reads: parameter
// specs are shared (treated as immutable after construction).
func (r *Resource) Clone() *Resource {
	cp := *r
	if r.Parameters != nil {
		cp.Parameters = make(map[string]*ParamSpec, len(r.Parameters))
		for k, v := range r.Parameters {
			cp.Parameters[k] = v
		}
	}
	return &cp
}
