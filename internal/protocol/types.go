package protocol

const (
	// Magic is "STKG".
	Magic      uint32 = 0x53544B47
	Version    uint16 = 1
	HeaderSize uint16 = 32
)

const (
	FlagIsResponse uint32 = 0x01
	// FlagIsError marks a response whose worker could not process the request.
	FlagIsError uint32 = 0x02

	knownFlags = FlagIsResponse | FlagIsError
)

// MessageType identifies the schema of a frame payload.
type MessageType uint32

const (
	MessageRequest  MessageType = 1
	MessageResponse MessageType = 2
)

// FieldType is the TLV value type tag.
type FieldType uint8

const (
	FieldUint8  FieldType = 1
	FieldUint32 FieldType = 3
	FieldUint64 FieldType = 4
	FieldString FieldType = 6
)

// Header is the fixed frame header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType MessageType
	Flags       uint32
	PayloadLen  uint64
}

// Field is one TLV field.
type Field struct {
	ID    uint16
	Type  FieldType
	Value []byte
}

// Message is one complete frame.
type Message struct {
	Header Header
	Fields []Field
}
