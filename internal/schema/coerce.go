// ABOUTME: Validation and coercion of caller-supplied parameter values.
// ABOUTME: Produces the typed invocation payload handed to plugin processes.

package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	errs "github.com/opsforge/plugind/internal/errors"
)

// Options controls coercion behavior that is policy, not correctness.
type Options struct {
	// ApplyDefaults injects a parameter's declared default when the caller
	// omits it. Off by default: defaults are descriptive for form
	// rendering and are not silently applied to an invocation.
	ApplyDefaults bool
}

// Coerce validates raw caller input against the declared parameters and
// returns the coerced invocation payload. Unknown keys in raw are ignored.
// Parameters absent from raw are omitted, except booleans which always
// resolve (absence means false) and defaults when opts.ApplyDefaults is on.
// The first violation aborts with an invalid_parameter error naming the
// offending field. Coercion is pure: no side effects, raw is not mutated.
func Coerce(params []Parameter, raw map[string]any, opts Options) (map[string]any, error) {
	result := make(map[string]any)
	for _, p := range params {
		value, supplied := raw[p.Name]

		if !supplied {
			if p.EffectiveType() == TypeBoolean {
				// A declared true default is still not auto-applied:
				// omission yields false for this run.
				result[p.Name] = false
				continue
			}
			if opts.ApplyDefaults && p.Default != nil {
				coerced, err := coerceValue(p, p.Default)
				if err != nil {
					return nil, invalid(p.Name, err)
				}
				if coerced != nil {
					result[p.Name] = coerced
				}
			}
			continue
		}

		coerced, err := coerceValue(p, value)
		if err != nil {
			return nil, invalid(p.Name, err)
		}
		if coerced == nil {
			// Empty multiselects drop out of the payload entirely.
			continue
		}
		result[p.Name] = coerced
	}
	return result, nil
}

func invalid(field string, err error) error {
	return errs.New(errs.KindInvalidParameter, "parameter %q: %v", field, err).WithField(field)
}

// coerceValue converts one raw value to the parameter's semantic type.
// Returns (nil, nil) for values that are valid but omitted from the payload.
func coerceValue(p Parameter, value any) (any, error) {
	switch p.EffectiveType() {
	case TypeText, TypeTextarea, TypeDate, TypeFile, TypeDirectory:
		return stringify(value), nil
	case TypeNumber:
		n, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		if err := checkBounds(p.Validation, n); err != nil {
			return nil, err
		}
		return n, nil
	case TypeInteger:
		n, err := toInteger(value)
		if err != nil {
			return nil, err
		}
		if err := checkBounds(p.Validation, float64(n)); err != nil {
			return nil, err
		}
		return n, nil
	case TypeBoolean:
		return toBool(value), nil
	case TypeJSON:
		return toStructured(value), nil
	case TypeSelect:
		if err := checkChoice(p.Choices, value); err != nil {
			return nil, err
		}
		return value, nil
	case TypeMultiSelect:
		return coerceMulti(p, value)
	default:
		return nil, fmt.Errorf("unknown type %q", p.Type)
	}
}

func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return canonical(value)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", value)
	}
}

func toInteger(value any) (int64, error) {
	n, err := toFloat(value)
	if err != nil {
		return 0, err
	}
	if n != math.Trunc(n) {
		return 0, fmt.Errorf("%v is not a whole number", n)
	}
	return int64(n), nil
}

// toBool treats anything not recognizably true as false. Absent and
// false-equivalent inputs both resolve to false, mirroring form submission
// where an unchecked box simply does not appear.
func toBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		}
		return false
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

// toStructured parses string input as JSON. Parse failures keep the raw
// string as the value rather than rejecting: a deliberate leniency so
// free-form text pasted into a json field still reaches the plugin.
func toStructured(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return s
	}
	return parsed
}

func checkChoice(choices []Choice, value any) error {
	want := canonical(value)
	for _, c := range choices {
		if canonical(c.Value) == want {
			return nil
		}
	}
	return fmt.Errorf("value %s is not one of the declared choices", want)
}

func coerceMulti(p Parameter, value any) (any, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of choices, got %T", value)
	}
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if err := checkChoice(p.Choices, item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func checkBounds(v *Validation, n float64) error {
	if v == nil {
		return nil
	}
	if v.Min != nil && n < *v.Min {
		return fmt.Errorf("%v is below the minimum %v", n, *v.Min)
	}
	if v.Max != nil && n > *v.Max {
		return fmt.Errorf("%v is above the maximum %v", n, *v.Max)
	}
	return nil
}
