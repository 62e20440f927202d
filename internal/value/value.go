// Package value defines the structured payload type stored inline with
// events, entities, relations, and memories.
//
// Value is a sealed union over the JSON data model. Payloads cross the
// storage boundary as canonical JSON text: object keys marshal in sorted
// order, so the stored form of a payload is byte-stable and substring
// search over serialized payloads behaves the same for equal values.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Value is the sealed interface over payload types.
// Only Null, Bool, Int, Float, String, Array, and Object implement it.
type Value interface {
	value() // sealed
}

// Null is the JSON null value. It is a legal payload element; absence of a
// whole payload is represented by a nil Value instead.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// Bool is a boolean payload value.
type Bool bool

func (Bool) value() {}

// MarshalJSON implements json.Marshaler for Bool.
func (b Bool) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(b))
}

// Int is an integer payload value. Whole JSON numbers decode as Int.
type Int int64

func (Int) value() {}

// MarshalJSON implements json.Marshaler for Int.
func (n Int) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(n))
}

// Float is a non-integral numeric payload value.
type Float float64

func (Float) value() {}

// MarshalJSON implements json.Marshaler for Float.
func (f Float) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(f))
}

// String is a string payload value.
type String string

func (String) value() {}

// MarshalJSON implements json.Marshaler for String.
func (s String) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// Array is an ordered sequence of payload values.
type Array []Value

func (Array) value() {}

// MarshalJSON implements json.Marshaler for Array.
func (a Array) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Value(a))
}

// UnmarshalJSON implements json.Unmarshaler for Array.
func (a *Array) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Array, len(raw))
	for i, elem := range raw {
		v, err := Decode(elem)
		if err != nil {
			return fmt.Errorf("array index %d: %w", i, err)
		}
		out[i] = v
	}
	*a = out
	return nil
}

// Object is a map of string keys to payload values.
// Keys marshal in sorted order (encoding/json sorts string map keys).
type Object map[string]Value

func (Object) value() {}

// MarshalJSON implements json.Marshaler for Object.
func (o Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]Value(o))
}

// UnmarshalJSON implements json.Unmarshaler for Object.
func (o *Object) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Object, len(raw))
	for k, elem := range raw {
		v, err := Decode(elem)
		if err != nil {
			return fmt.Errorf("object key %q: %w", k, err)
		}
		out[k] = v
	}
	*o = out
	return nil
}

// Encode serializes a Value to its canonical JSON text.
// A nil Value encodes as "null".
func Encode(v Value) (string, error) {
	if v == nil {
		return "null", nil
	}
	data, err := marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// marshal dispatches on the concrete type so unknown implementations of the
// sealed interface are rejected rather than silently mis-serialized.
func marshal(v Value) ([]byte, error) {
	switch val := v.(type) {
	case Null:
		return []byte("null"), nil
	case Bool:
		return val.MarshalJSON()
	case Int:
		return val.MarshalJSON()
	case Float:
		return val.MarshalJSON()
	case String:
		return val.MarshalJSON()
	case Array:
		return val.MarshalJSON()
	case Object:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown value type: %T", v)
	}
}

// Decode parses JSON text into a Value. Whole numbers decode as Int,
// fractional or exponent forms as Float.
func Decode(data []byte) (Value, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw)
}

// DecodeString parses JSON text held in a string, the form payloads take in
// the database.
func DecodeString(s string) (Value, error) {
	return Decode([]byte(s))
}

// FromAny converts a dynamically typed Go value (as produced by
// encoding/json or yaml.v3 decoding) into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case float64:
		// yaml.v3 and plain json.Unmarshal hand all numbers over as float64.
		if val == float64(int64(val)) {
			return Int(int64(val)), nil
		}
		return Float(val), nil
	case json.Number:
		s := string(val)
		if !strings.ContainsAny(s, ".eE") {
			n, err := val.Int64()
			if err != nil {
				return nil, fmt.Errorf("number out of int64 range: %s", s)
			}
			return Int(n), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("unparseable number: %s", s)
		}
		return Float(f), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			cv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array index %d: %w", i, err)
			}
			arr[i] = cv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			cv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("object key %q: %w", k, err)
			}
			obj[k] = cv
		}
		return obj, nil
	case Value:
		return val, nil
	default:
		return nil, fmt.Errorf("unsupported payload type: %T", v)
	}
}

// Equal reports deep equality of two values.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case Null:
		_, ok := b.(Null)
		return ok
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Float:
		bv, ok := b.(Float)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, ae := range av {
			be, present := bv[k]
			if !present || !Equal(ae, be) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
