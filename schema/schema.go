// Package schema turns Go types into strict JSON Schemas suitable for
// OpenAI structured outputs and tool parameters, and parses model output
// back into those types.
//
// Strict means: objects list every property in required, set
// additionalProperties to false, and the rules apply recursively through
// nested objects and array items.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Enum marks a string type with a closed set of legal values. Values are
// wire-encoded in lower case.
type Enum interface {
	EnumValues() []string
}

var (
	enumType    = reflect.TypeOf((*Enum)(nil)).Elem()
	rawMsgType  = reflect.TypeOf(json.RawMessage(nil))
	timeType    = reflect.TypeOf(time.Time{})
	anySliceTyp = reflect.TypeOf([]any(nil))
)

// Generate produces the strict schema for v's type as marshaled JSON.
func Generate(v any) ([]byte, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, fmt.Errorf("schema: cannot generate schema for nil")
	}
	return GenerateType(t)
}

// GenerateType produces the strict schema for t as marshaled JSON.
func GenerateType(t reflect.Type) ([]byte, error) {
	node, err := build(t, map[reflect.Type]bool{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(node)
}

// build recurses over t. seen guards against self-referential types, which
// strict schemas cannot express without $ref indirection.
func build(t reflect.Type, seen map[reflect.Type]bool) (map[string]any, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t.Implements(enumType) || reflect.PointerTo(t).Implements(enumType) {
		return enumNode(t), nil
	}

	switch t {
	case rawMsgType:
		return map[string]any{}, nil
	case timeType:
		return map[string]any{"type": "string", "format": "date-time"}, nil
	}

	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}, nil
	case reflect.Bool:
		return map[string]any{"type": "boolean"}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}, nil
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}, nil
	case reflect.Slice, reflect.Array:
		if t == anySliceTyp {
			return map[string]any{"type": "array", "items": map[string]any{}}, nil
		}
		items, err := build(t.Elem(), seen)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": "array", "items": items}, nil
	case reflect.Map:
		return nil, fmt.Errorf("schema: map type %s cannot be expressed as a strict schema, use a struct", t)
	case reflect.Interface:
		// any: unconstrained value
		return map[string]any{}, nil
	case reflect.Struct:
		if seen[t] {
			return nil, fmt.Errorf("schema: recursive type %s is not supported", t)
		}
		seen[t] = true
		defer delete(seen, t)
		return structNode(t, seen)
	default:
		return nil, fmt.Errorf("schema: unsupported kind %s for type %s", t.Kind(), t)
	}
}

func structNode(t reflect.Type, seen map[reflect.Type]bool) (map[string]any, error) {
	props := map[string]any{}
	required := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, desc, skip := fieldName(f)
		if skip {
			continue
		}
		node, err := build(f.Type, seen)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		if desc != "" {
			node["description"] = desc
		}
		props[name] = node
		required = append(required, name)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}, nil
}

func enumNode(t reflect.Type) map[string]any {
	var e Enum
	if t.Implements(enumType) {
		e = reflect.Zero(t).Interface().(Enum)
	} else {
		e = reflect.New(t).Interface().(Enum)
	}
	values := e.EnumValues()
	lowered := make([]any, len(values))
	for i, v := range values {
		lowered[i] = strings.ToLower(v)
	}
	return map[string]any{"type": "string", "enum": lowered}
}

// fieldName resolves the wire name from the json tag, falling back to the Go
// field name. The desc tag becomes the property description.
func fieldName(f reflect.StructField) (name, desc string, skip bool) {
	name = f.Name
	if tag, ok := f.Tag.Lookup("json"); ok {
		base, _, _ := strings.Cut(tag, ",")
		switch base {
		case "-":
			return "", "", true
		case "":
		default:
			name = base
		}
	}
	return name, f.Tag.Get("desc"), false
}
