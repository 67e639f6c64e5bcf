package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// AttributeScope partitions attributes by who may read and write them.
type AttributeScope string

// Attribute scopes.
const (
	ServerScope AttributeScope = "SERVER_SCOPE"
	SharedScope AttributeScope = "SHARED_SCOPE"
	ClientScope AttributeScope = "CLIENT_SCOPE"
)

// AttributeScopes lists every scope in sorted order.
var AttributeScopes = []AttributeScope{ClientScope, ServerScope, SharedScope}

// ErrInvalidAttributeValue is returned when a stored attribute does not carry
// exactly one value field.
var ErrInvalidAttributeValue = errors.New("attribute must carry exactly one value")

// AttributeValue is one of BooleanValue, StringValue, LongValue, DoubleValue
// or JSONValue.
type AttributeValue interface {
	isAttributeValue()
}

// BooleanValue is a boolean attribute value.
type BooleanValue bool

// StringValue is a string attribute value.
type StringValue string

// LongValue is an integer attribute value.
type LongValue int64

// DoubleValue is a floating-point attribute value.
type DoubleValue float64

// JSONValue is a structured attribute value kept as raw JSON.
type JSONValue json.RawMessage

func (BooleanValue) isAttributeValue() {}
func (StringValue) isAttributeValue()  {}
func (LongValue) isAttributeValue()    {}
func (DoubleValue) isAttributeValue()  {}
func (JSONValue) isAttributeValue()    {}

// AttributeKV is a single attribute with its last update timestamp.
type AttributeKV struct {
	Key          string
	LastUpdateTs int64
	Value        AttributeValue
}

type attributeWire struct {
	Key          string          `json:"key"`
	LastUpdateTs int64           `json:"lastUpdateTs"`
	BooleanValue *bool           `json:"booleanValue,omitempty"`
	StrValue     *string         `json:"strValue,omitempty"`
	LongValue    *int64          `json:"longValue,omitempty"`
	DoubleValue  *float64        `json:"doubleValue,omitempty"`
	JSONValue    json.RawMessage `json:"jsonValue,omitempty"`
}

// MarshalJSON encodes the value variant into its dedicated field.
func (kv AttributeKV) MarshalJSON() ([]byte, error) {
	wire := attributeWire{Key: kv.Key, LastUpdateTs: kv.LastUpdateTs}
	switch v := kv.Value.(type) {
	case BooleanValue:
		b := bool(v)
		wire.BooleanValue = &b
	case StringValue:
		s := string(v)
		wire.StrValue = &s
	case LongValue:
		n := int64(v)
		wire.LongValue = &n
	case DoubleValue:
		f := float64(v)
		wire.DoubleValue = &f
	case JSONValue:
		if !json.Valid(v) {
			return nil, fmt.Errorf("attribute %q: %w", kv.Key, ErrInvalidAttributeValue)
		}
		wire.JSONValue = json.RawMessage(v)
	default:
		return nil, fmt.Errorf("attribute %q: %w", kv.Key, ErrInvalidAttributeValue)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON rejects records carrying zero or several value fields.
func (kv *AttributeKV) UnmarshalJSON(data []byte) error {
	var wire attributeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var values []AttributeValue
	if wire.BooleanValue != nil {
		values = append(values, BooleanValue(*wire.BooleanValue))
	}
	if wire.StrValue != nil {
		values = append(values, StringValue(*wire.StrValue))
	}
	if wire.LongValue != nil {
		values = append(values, LongValue(*wire.LongValue))
	}
	if wire.DoubleValue != nil {
		values = append(values, DoubleValue(*wire.DoubleValue))
	}
	if len(wire.JSONValue) > 0 && !bytes.Equal(wire.JSONValue, []byte("null")) {
		values = append(values, JSONValue(wire.JSONValue))
	}
	if len(values) != 1 {
		return fmt.Errorf("attribute %q: %w", wire.Key, ErrInvalidAttributeValue)
	}
	*kv = AttributeKV{Key: wire.Key, LastUpdateTs: wire.LastUpdateTs, Value: values[0]}
	return nil
}

// SortAttributes orders attributes by key.
func SortAttributes(kvs []AttributeKV) {
	sort.SliceStable(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
}

// MergeAttributes unions two attribute lists by key; incoming wins.
func MergeAttributes(base, incoming []AttributeKV) []AttributeKV {
	byKey := make(map[string]AttributeKV, len(base)+len(incoming))
	for _, kv := range base {
		byKey[kv.Key] = kv
	}
	for _, kv := range incoming {
		byKey[kv.Key] = kv
	}
	out := make([]AttributeKV, 0, len(byKey))
	for _, kv := range byKey {
		out = append(out, kv)
	}
	SortAttributes(out)
	return out
}
