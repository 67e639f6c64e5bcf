package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"entityvc/pkg/domain"
)

const externalIDField = "externalId"

// entityObject renders entity as a JSON object naming every field of its
// type. Zero values are written out, so a document can tell a field recorded
// as empty from one it does not carry. externalId is never written.
func entityObject(entity domain.Entity) (json.RawMessage, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, externalIDField)
	for name, zero := range zeroFields(reflect.TypeOf(entity)) {
		if _, ok := fields[name]; !ok {
			fields[name] = zero
		}
	}
	return json.Marshal(fields)
}

// splitEntity returns the keys carried by a document entity object and the
// object with its null members and any externalId removed, ready for
// domain.DecodeEntity.
func splitEntity(raw json.RawMessage) ([]string, json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("%w: entity: %w", ErrSerialization, err)
	}
	delete(fields, externalIDField)
	keys := make([]string, 0, len(fields))
	for key, value := range fields {
		keys = append(keys, key)
		if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			delete(fields, key)
		}
	}
	slices.Sort(keys)
	stripped, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: entity: %w", ErrSerialization, err)
	}
	return keys, stripped, nil
}

// FieldNames lists the JSON keys of every field an entity of type t can
// carry, externalId excluded, in sorted order.
func FieldNames(t domain.EntityType) []string {
	entity, err := domain.NewEntity(t)
	if err != nil {
		return nil
	}
	fields := zeroFields(reflect.TypeOf(entity))
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func zeroFields(t reflect.Type) map[string]json.RawMessage {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	out := make(map[string]json.RawMessage)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			for name, zero := range zeroFields(f.Type) {
				out[name] = zero
			}
			continue
		}
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" || name == externalIDField {
			continue
		}
		out[name] = zeroJSON(f.Type.Kind())
	}
	return out
}

func zeroJSON(kind reflect.Kind) json.RawMessage {
	switch kind {
	case reflect.String:
		return json.RawMessage(`""`)
	case reflect.Bool:
		return json.RawMessage(`false`)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return json.RawMessage(`0`)
	default:
		return json.RawMessage(`null`)
	}
}
