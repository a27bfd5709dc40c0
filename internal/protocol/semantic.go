package protocol

import (
	"fmt"
	"math"
	"slices"
)

// FieldSpec declares a known field within a message type.
type FieldSpec struct {
	ID       uint16
	Type     FieldType
	Required bool
}

// Schema defines required and known fields for a message type.
type Schema struct {
	MessageType MessageType
	Fields      []FieldSpec
}

// Value is a decoded field value.
type Value struct {
	Type   FieldType
	Uint8  uint8
	Uint32 uint32
	Uint64 uint64
	String string
}

// Float64 reads a uint64 value written by NewFieldFloat64, NaN payload
// included.
func (v Value) Float64() float64 {
	return math.Float64frombits(v.Uint64)
}

// SemanticMessage is a message with typed field values validated by a schema.
type SemanticMessage struct {
	Header  Header
	Fields  map[uint16]Value
	Unknown []Field
}

// ParseSemantic validates msg against schema and returns typed field values.
// Unknown fields are kept aside rather than rejected so newer peers can add
// fields without breaking older ones.
func ParseSemantic(msg *Message, schema Schema) (*SemanticMessage, error) {
	if msg == nil {
		return nil, ErrInvalidLength
	}
	if msg.Header.MessageType != schema.MessageType {
		return nil, ErrMessageTypeMismatch
	}
	known := make(map[uint16]FieldSpec, len(schema.Fields))
	for _, spec := range schema.Fields {
		known[spec.ID] = spec
	}

	semantic := &SemanticMessage{
		Header: msg.Header,
		Fields: make(map[uint16]Value, len(msg.Fields)),
	}
	for _, field := range msg.Fields {
		spec, ok := known[field.ID]
		if !ok {
			semantic.Unknown = append(semantic.Unknown, field)
			continue
		}
		value, err := decodeValue(field, spec.Type)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", field.ID, err)
		}
		semantic.Fields[field.ID] = value
	}

	var missing []uint16
	for _, spec := range schema.Fields {
		if _, ok := semantic.Fields[spec.ID]; spec.Required && !ok {
			missing = append(missing, spec.ID)
		}
	}
	if len(missing) != 0 {
		slices.Sort(missing)
		return nil, MissingFieldError{FieldID: missing[0]}
	}
	return semantic, nil
}

// MissingFieldError indicates a required field was not present.
type MissingFieldError struct {
	FieldID uint16
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("protocol: missing required field %d", e.FieldID)
}

func decodeValue(field Field, expected FieldType) (Value, error) {
	if field.Type != expected {
		return Value{}, ErrFieldTypeMismatch
	}
	value := Value{Type: field.Type}
	var err error
	switch field.Type {
	case FieldUint8:
		value.Uint8, err = field.Uint8()
	case FieldUint32:
		value.Uint32, err = field.Uint32()
	case FieldUint64:
		value.Uint64, err = field.Uint64()
	case FieldString:
		value.String, err = field.String()
	default:
		err = ErrFieldTypeMismatch
	}
	if err != nil {
		return Value{}, err
	}
	return value, nil
}
