// ABOUTME: Typed parameter schema declared by plugins in their manifest.
// ABOUTME: Defines parameter types, choices, bounds, and schema-level validation.

package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParamType is the declared semantic type of a plugin parameter.
type ParamType string

const (
	TypeText        ParamType = "text"
	TypeTextarea    ParamType = "textarea"
	TypeNumber      ParamType = "number"
	TypeInteger     ParamType = "integer"
	TypeBoolean     ParamType = "boolean"
	TypeJSON        ParamType = "json"
	TypeDate        ParamType = "date"
	TypeSelect      ParamType = "select"
	TypeMultiSelect ParamType = "multiselect"
	TypeFile        ParamType = "file"
	TypeDirectory   ParamType = "directory"
)

// Choice is one enumerated option for select/multiselect parameters.
type Choice struct {
	Label string `json:"label"`
	Value any    `json:"value"`
}

// Validation carries optional numeric bounds for number/integer parameters.
type Validation struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Parameter is one declared input of a plugin.
type Parameter struct {
	Name        string      `json:"name"`
	Type        ParamType   `json:"type"`
	Label       string      `json:"label,omitempty"`
	Description string      `json:"description,omitempty"`
	Placeholder string      `json:"placeholder,omitempty"`
	Group       string      `json:"group,omitempty"`
	Default     any         `json:"default,omitempty"`
	Choices     []Choice    `json:"choices,omitempty"`
	Validation  *Validation `json:"validation,omitempty"`
	Extensions  []string    `json:"extensions,omitempty"`
}

// EffectiveType resolves the type used for coercion. A text parameter with
// declared choices renders and validates as a select.
func (p Parameter) EffectiveType() ParamType {
	if p.Type == TypeText && len(p.Choices) > 0 {
		return TypeSelect
	}
	return p.Type
}

var knownTypes = map[ParamType]bool{
	TypeText: true, TypeTextarea: true, TypeNumber: true, TypeInteger: true,
	TypeBoolean: true, TypeJSON: true, TypeDate: true, TypeSelect: true,
	TypeMultiSelect: true, TypeFile: true, TypeDirectory: true,
}

// Validate checks a declared schema for structural problems: empty or
// duplicate names, unknown types, inverted bounds, choice types without
// choices, and defaults not representable in the declared type.
func Validate(params []Parameter) error {
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if name != p.Name {
			return fmt.Errorf("parameter name %q has leading/trailing whitespace", p.Name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate parameter name %q", name)
		}
		seen[name] = true

		if !knownTypes[p.Type] {
			return fmt.Errorf("parameter %q has unknown type %q", name, p.Type)
		}
		if (p.Type == TypeSelect || p.Type == TypeMultiSelect) && len(p.Choices) == 0 {
			return fmt.Errorf("parameter %q of type %s declares no choices", name, p.Type)
		}
		if v := p.Validation; v != nil && v.Min != nil && v.Max != nil && *v.Min > *v.Max {
			return fmt.Errorf("parameter %q has min %v greater than max %v", name, *v.Min, *v.Max)
		}
		if p.Default != nil {
			if _, err := coerceValue(p, p.Default); err != nil {
				return fmt.Errorf("default for parameter %q is not a valid %s: %v", name, p.EffectiveType(), err)
			}
		}
	}
	return nil
}

// canonical renders a value in its JSON form for semantic equality checks.
// Select choice matching compares canonical forms so "1" declared as a
// string choice never matches the number 1.
func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
