package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Kind is the primitive category of a context value
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindString
	KindBool
	KindEntity
	KindBlob
)

// Type describes the declared type of a parameter, provided output or context value.
// Entity types carry the entity kind they refer to (e.g. "profile").
type Type struct {
	Kind   Kind
	Entity string
}

var (
	TypeInt    = Type{Kind: KindInt}
	TypeString = Type{Kind: KindString}
	TypeBool   = Type{Kind: KindBool}
	TypeBlob   = Type{Kind: KindBlob}
)

// EntityType returns the type of an entity reference of the given kind
func EntityType(kind string) Type {
	return Type{Kind: KindEntity, Entity: kind}
}

// String returns the textual form used in rule documents
func (t Type) String() string {
	switch t.Kind {
	case KindInt:
		return "integer"
	case KindString:
		return "string"
	case KindBool:
		return "boolean"
	case KindBlob:
		return "blob"
	case KindEntity:
		return "entity:" + t.Entity
	default:
		return "invalid"
	}
}

// ParseType converts the textual form of a type back into a Type
func ParseType(s string) (Type, error) {
	switch s {
	case "integer":
		return TypeInt, nil
	case "string":
		return TypeString, nil
	case "boolean":
		return TypeBool, nil
	case "blob":
		return TypeBlob, nil
	}
	if kind, ok := strings.CutPrefix(s, "entity:"); ok {
		if err := validateIdentifier(kind); err != nil {
			return Type{}, fmt.Errorf("invalid entity kind %q: %w", kind, err)
		}
		return EntityType(kind), nil
	}
	return Type{}, fmt.Errorf("unknown type %q (must be one of: integer, string, boolean, blob, entity:<kind>)", s)
}

// Entity is a loaded entity passed through the context, such as a user profile
type Entity struct {
	Kind   string         `json:"kind"`
	ID     int64          `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Value is an immutable typed value held by a ContextStore
type Value struct {
	typ Type
	i   int64
	s   string
	b   bool
	e   Entity
	raw []byte
}

// IntValue returns an integer value
func IntValue(i int64) Value { return Value{typ: TypeInt, i: i} }

// StringValue returns a string value
func StringValue(s string) Value { return Value{typ: TypeString, s: s} }

// BoolValue returns a boolean value
func BoolValue(b bool) Value { return Value{typ: TypeBool, b: b} }

// BlobValue returns an opaque blob value. The bytes are copied.
func BlobValue(b []byte) Value {
	return Value{typ: TypeBlob, raw: bytes.Clone(b)}
}

// EntityValue returns an entity value typed after the entity's kind.
// The field map is copied so later changes by the caller are not observed.
func EntityValue(e Entity) Value {
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	e.Fields = fields
	return Value{typ: EntityType(e.Kind), e: e}
}

func (v Value) Type() Type { return v.typ }
func (v Value) IsValid() bool { return v.typ.Kind != KindInvalid }
func (v Value) Int() int64 { return v.i }
func (v Value) Text() string { return v.s }
func (v Value) Bool() bool { return v.b }

// Entity returns the entity with a copy of its field map
func (v Value) Entity() Entity {
	e := v.e
	if e.Fields != nil {
		e.Fields = make(map[string]any, len(v.e.Fields))
		for k, f := range v.e.Fields {
			e.Fields[k] = f
		}
	}
	return e
}

// Blob returns a copy of the blob bytes
func (v Value) Blob() []byte { return bytes.Clone(v.raw) }

// Interface returns the value as a plain Go value (int64, string, bool, Entity or []byte)
func (v Value) Interface() any {
	switch v.typ.Kind {
	case KindInt:
		return v.i
	case KindString:
		return v.s
	case KindBool:
		return v.b
	case KindEntity:
		return v.Entity()
	case KindBlob:
		return v.Blob()
	default:
		return nil
	}
}

// Equal reports whether two values have the same type and content
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ.Kind {
	case KindEntity:
		// entities are compared by identity
		return v.e.Kind == o.e.Kind && v.e.ID == o.e.ID
	case KindBlob:
		return bytes.Equal(v.raw, o.raw)
	default:
		return v.i == o.i && v.s == o.s && v.b == o.b
	}
}

// String renders the value for logs and test failures
func (v Value) String() string {
	switch v.typ.Kind {
	case KindString:
		return fmt.Sprintf("%s(%q)", v.typ, v.s)
	case KindEntity:
		return fmt.Sprintf("%s(%d)", v.typ, v.e.ID)
	case KindBlob:
		return fmt.Sprintf("blob(%d bytes)", len(v.raw))
	default:
		return fmt.Sprintf("%s(%v)", v.typ, v.Interface())
	}
}

type valueJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"type": "...", "value": ...}
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.IsValid() {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Type: v.typ.String(), Value: raw})
}

// UnmarshalJSON decodes the {"type": "...", "value": ...} form
func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	typ, err := ParseType(in.Type)
	if err != nil {
		return err
	}

	switch typ.Kind {
	case KindInt:
		var i int64
		if err := json.Unmarshal(in.Value, &i); err != nil {
			return fmt.Errorf("decode integer value: %w", err)
		}
		*v = IntValue(i)
	case KindString:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return fmt.Errorf("decode string value: %w", err)
		}
		*v = StringValue(s)
	case KindBool:
		var b bool
		if err := json.Unmarshal(in.Value, &b); err != nil {
			return fmt.Errorf("decode boolean value: %w", err)
		}
		*v = BoolValue(b)
	case KindBlob:
		var b []byte
		if err := json.Unmarshal(in.Value, &b); err != nil {
			return fmt.Errorf("decode blob value: %w", err)
		}
		*v = BlobValue(b)
	case KindEntity:
		var e Entity
		if err := json.Unmarshal(in.Value, &e); err != nil {
			return fmt.Errorf("decode entity value: %w", err)
		}
		if e.Kind == "" {
			e.Kind = typ.Entity
		}
		if e.Kind != typ.Entity {
			return fmt.Errorf("entity kind %q does not match type %s", e.Kind, typ)
		}
		*v = EntityValue(e)
	}
	return nil
}

// literalFromAny converts a decoded document literal into a Value.
// Only scalar literals can appear in documents.
func literalFromAny(x any) (Value, error) {
	switch t := x.(type) {
	case int:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return Value{}, fmt.Errorf("integer literal %d overflows int64", t)
		}
		return IntValue(int64(t)), nil
	case float64:
		if t != float64(int64(t)) {
			return Value{}, fmt.Errorf("non-integer number %v is not a supported literal", t)
		}
		return IntValue(int64(t)), nil
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case nil:
		return Value{}, fmt.Errorf("null literal")
	default:
		return Value{}, fmt.Errorf("unsupported literal of type %T", x)
	}
}
