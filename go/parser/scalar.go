package parser

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Scalar holds one JSON leaf value: string, number, bool or null.
// Numbers are kept as json.Number so re-marshalling is verbatim.
type Scalar struct {
	value interface{}
}

func (s *Scalar) UnmarshalJSON(b []byte) error {
	var dec = json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(&s.value)
}

func (s Scalar) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.value)
}

// IsNull reports an absent or explicit-null value.
func (s Scalar) IsNull() bool { return s.value == nil }

// Value returns the underlying string, json.Number, bool or nil.
func (s Scalar) Value() interface{} { return s.value }

func (s Scalar) String() string {
	switch v := s.value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Float64 converts a numeric or numeric-string value.
func (s Scalar) Float64() (float64, bool) {
	switch v := s.value.(type) {
	case json.Number:
		var f, err = v.Float64()
		return f, err == nil
	case string:
		var f, err = strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Percent converts a "12.34%" string to its float value; any other
// value passes through untouched.
func (s Scalar) Percent() interface{} {
	var v, ok = s.value.(string)
	if !ok {
		return s.value
	}
	var f, err = strconv.ParseFloat(strings.TrimSuffix(v, "%"), 64)
	if err != nil {
		return s.value
	}
	return f
}

// Text is one BadgerFish text node, {"$": value}. A nil *Text stands
// for an absent element; its accessors are nil-safe.
type Text struct {
	Value Scalar `json:"$"`
}

// Val returns the text value, or nil when the element is absent.
func (t *Text) Val() interface{} {
	if t == nil {
		return nil
	}
	return t.Value.Value()
}

func (t *Text) String() string {
	if t == nil {
		return ""
	}
	return t.Value.String()
}

// Many accepts a JSON array of T or a single bare T, the way upstream
// responses collapse one-element lists to a lone object.
type Many[T any] []T

func (m *Many[T]) UnmarshalJSON(b []byte) error {
	var trimmed = bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*m = items
		return nil
	}
	if string(trimmed) == "null" {
		*m = nil
		return nil
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*m = Many[T]{one}
	return nil
}
