package envelope

import "fmt"

// Payload carries the structured body of an envelope. The transport never
// interprets it. Values are restricted to the JSON-shaped set: nil, bool,
// string, int, int64, float64, []string, []any and nested string-keyed maps.
// After a wire round trip all numbers come back as float64 and string
// slices as []any; the accessors below absorb both forms.
type Payload map[string]any

func (p Payload) Validate() error {
	for key, val := range p {
		if err := validateValue(val); err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
	}
	return nil
}

func validateValue(v any) error {
	switch t := v.(type) {
	case nil, bool, string, int, int64, float64:
		return nil
	case []string:
		return nil
	case []any:
		for i, e := range t {
			if err := validateValue(e); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	case Payload:
		return t.Validate()
	case map[string]any:
		return Payload(t).Validate()
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}

// String returns the string at key, or "" when absent or not a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

func (p Payload) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Float returns the numeric value at key whatever integer or float form it
// is currently in.
func (p Payload) Float(key string) float64 {
	switch n := p[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func (p Payload) Int(key string) int {
	return int(p.Float(key))
}

// Strings returns the string slice at key, accepting both the native
// []string form and the []any form produced by decoding.
func (p Payload) Strings(key string) []string {
	switch s := p[key].(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Map returns the nested payload at key, or nil when absent.
func (p Payload) Map(key string) Payload {
	switch m := p[key].(type) {
	case Payload:
		return m
	case map[string]any:
		return Payload(m)
	}
	return nil
}

func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}
