package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Parse validates data against the schema for dst's type and unmarshals it.
// dst must be a non-nil pointer.
func Parse(data []byte, dst any) error {
	raw, err := Generate(dst)
	if err != nil {
		return err
	}
	return ParseWith(raw, data, dst)
}

// ParseWith decodes data into dst and then validates the canonical form
// against an already generated schema. Decoding runs first so enum types get
// their case-insensitive UnmarshalText pass before the (lower-case) enum
// constraint is checked. Unknown fields are rejected, matching
// additionalProperties: false.
func ParseWith(schemaJSON, data []byte, dst any) error {
	compiled, err := jsonschema.CompileString("output.json", string(schemaJSON))
	if err != nil {
		return fmt.Errorf("schema: compile: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("schema: decode: %w", err)
	}
	canonical, err := json.Marshal(dst)
	if err != nil {
		return fmt.Errorf("schema: encode: %w", err)
	}
	var doc any
	cdec := json.NewDecoder(bytes.NewReader(canonical))
	cdec.UseNumber()
	if err := cdec.Decode(&doc); err != nil {
		return fmt.Errorf("schema: output is not valid JSON: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("schema: output does not match schema: %w", err)
	}
	return nil
}

// ParseEnum matches value against legal values case-insensitively and
// returns the canonical (declared) spelling. The error names every legal
// value.
func ParseEnum[T ~string](value string, legal []string) (T, error) {
	for _, l := range legal {
		if strings.EqualFold(value, l) {
			return T(l), nil
		}
	}
	return "", fmt.Errorf("invalid value %q, legal values are: %s", value, strings.Join(legal, ", "))
}

// EnumText is the lower-case wire form used by MarshalText implementations.
func EnumText[T ~string](v T) []byte {
	return []byte(strings.ToLower(string(v)))
}
