package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize re-encodes arbitrary JSON with sorted object keys, NFC
// normalised strings, two-space indentation, no HTML escaping and a
// trailing newline. Numbers keep their literal form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document", ErrSerialization)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	value, err := normalize(value)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(value); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

// normalize walks a decoded JSON value. encoding/json sorts map keys on
// output, so only strings need rewriting. Two keys of one object that
// normalise to the same form are rejected.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val), nil
	case []any:
		for i := range val {
			elem, err := normalize(val[i])
			if err != nil {
				return nil, err
			}
			val[i] = elem
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			key := norm.NFC.String(k)
			if _, dup := out[key]; dup {
				return nil, fmt.Errorf("%w: duplicate key %q after normalisation", ErrSerialization, key)
			}
			elem, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[key] = elem
		}
		return out, nil
	default:
		return val, nil
	}
}
