package schema

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// InvalidError reports a value rejected during coercion.
type InvalidError struct {
	Path   string
	Reason string
}

func (e *InvalidError) Error() string {
	if e.Path == "" {
		return "invalid message: " + e.Reason
	}
	return fmt.Sprintf("invalid message at %s: %s", e.Path, e.Reason)
}

func invalidf(format string, args ...any) *InvalidError {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// nested prefixes err's path with a path segment when it is an
// *InvalidError, and wraps anything else.
func nested(segment string, err error) error {
	if inv, ok := err.(*InvalidError); ok {
		path := segment
		if inv.Path != "" {
			if strings.HasPrefix(inv.Path, "[") {
				path = segment + inv.Path
			} else {
				path = segment + "." + inv.Path
			}
		}
		return &InvalidError{Path: path, Reason: inv.Reason}
	}
	return err
}

// Schema validates and coerces a value, returning the coerced copy.
type Schema interface {
	Coerce(value any) (any, error)
}

// Constant accepts exactly one value.
type Constant struct {
	Value any
}

func (s Constant) Coerce(value any) (any, error) {
	if value != s.Value {
		return nil, invalidf("expected %v, got %v", s.Value, value)
	}
	return value, nil
}

// Any accepts the first of its alternatives that coerces.
type Any struct {
	Schemas []Schema
}

// AnyOf builds an Any from its arguments.
func AnyOf(schemas ...Schema) Any {
	return Any{Schemas: schemas}
}

func (s Any) Coerce(value any) (any, error) {
	for _, alt := range s.Schemas {
		if coerced, err := alt.Coerce(value); err == nil {
			return coerced, nil
		}
	}
	return nil, invalidf("value %v matches no alternative", value)
}

// Bool accepts a boolean.
type Bool struct{}

func (Bool) Coerce(value any) (any, error) {
	b, ok := value.(bool)
	if !ok {
		return nil, invalidf("expected bool, got %T", value)
	}
	return b, nil
}

// Int accepts any integer kind and coerces to int64.
type Int struct{}

func (Int) Coerce(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	}
	return nil, invalidf("expected integer, got %T", value)
}

// Float accepts any numeric kind and coerces to float64.
type Float struct{}

func (Float) Coerce(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return nil, invalidf("expected number, got %T", value)
}

// Bytes accepts a byte string.
type Bytes struct{}

func (Bytes) Coerce(value any) (any, error) {
	b, ok := value.([]byte)
	if !ok {
		return nil, invalidf("expected bytes, got %T", value)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Text accepts text, or bytes holding valid UTF-8.
type Text struct{}

func (Text) Coerce(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		if !utf8.Valid(v) {
			return nil, invalidf("bytes are not valid UTF-8")
		}
		return string(v), nil
	}
	return nil, invalidf("expected text, got %T", value)
}

// BytesOrText accepts either, converting bytes to text with the
// configured charset ("utf-8" when empty, or "latin-1").
type BytesOrText struct {
	Charset string
}

func (s BytesOrText) Coerce(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		switch s.Charset {
		case "", "utf-8", "utf8":
			if !utf8.Valid(v) {
				return nil, invalidf("bytes are not valid %s", "utf-8")
			}
			return string(v), nil
		case "latin-1", "iso-8859-1":
			decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(v)
			if err != nil {
				return nil, invalidf("cannot decode bytes as %s: %v", s.Charset, err)
			}
			return string(decoded), nil
		default:
			return nil, invalidf("unsupported charset %q", s.Charset)
		}
	}
	return nil, invalidf("expected bytes or text, got %T", value)
}

// List accepts a list whose elements all coerce with Elem.
type List struct {
	Elem Schema
}

func (s List) Coerce(value any) (any, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, invalidf("expected list, got %T", value)
	}
	out := make([]any, len(list))
	for i, elt := range list {
		coerced, err := s.Elem.Coerce(elt)
		if err != nil {
			return nil, nested(fmt.Sprintf("[%d]", i), err)
		}
		out[i] = coerced
	}
	return out, nil
}

// Tuple accepts a list of exactly len(Schemas) elements, coerced
// positionally.
type Tuple struct {
	Schemas []Schema
}

func (s Tuple) Coerce(value any) (any, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, invalidf("expected tuple, got %T", value)
	}
	if len(list) != len(s.Schemas) {
		return nil, invalidf("expected %d elements, got %d", len(s.Schemas), len(list))
	}
	out := make([]any, len(list))
	for i, elt := range list {
		coerced, err := s.Schemas[i].Coerce(elt)
		if err != nil {
			return nil, nested(fmt.Sprintf("[%d]", i), err)
		}
		out[i] = coerced
	}
	return out, nil
}

// KeyDict accepts a map with a fixed key set. Keys listed in Optional
// may be absent; unknown keys are rejected.
type KeyDict struct {
	Schemas  map[string]Schema
	Optional []string
}

func (s KeyDict) Coerce(value any) (any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, invalidf("expected map, got %T", value)
	}
	optional := make(map[string]bool, len(s.Optional))
	for _, k := range s.Optional {
		optional[k] = true
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		elem, known := s.Schemas[k]
		if !known {
			return nil, invalidf("unknown key %q", k)
		}
		coerced, err := elem.Coerce(v)
		if err != nil {
			return nil, nested(k, err)
		}
		out[k] = coerced
	}
	missing := make([]string, 0)
	for k := range s.Schemas {
		if _, present := m[k]; !present && !optional[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, invalidf("missing required key %q", missing[0])
	}
	return out, nil
}

// Dict accepts an open map; every key coerces with Key and every value
// with Value.
type Dict struct {
	Key   Schema
	Value Schema
}

func (s Dict) Coerce(value any) (any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, invalidf("expected map, got %T", value)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		coercedKey, err := s.Key.Coerce(k)
		if err != nil {
			return nil, nested(k, err)
		}
		var key string
		switch ck := coercedKey.(type) {
		case string:
			key = ck
		case []byte:
			key = string(ck)
		default:
			return nil, invalidf("key %q does not coerce to text", k)
		}
		coercedValue, err := s.Value.Coerce(v)
		if err != nil {
			return nil, nested(k, err)
		}
		out[key] = coercedValue
	}
	return out, nil
}
