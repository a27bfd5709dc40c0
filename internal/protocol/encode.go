package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
)

const fieldHeaderSize = 2 + 1 + 4

// MaxPayload bounds the field payload of a single frame.
const MaxPayload = 64 * 1024

// Encode writes msg to w as one contiguous frame so a pipe reader never sees
// half a message from a single call.
func Encode(w io.Writer, msg *Message) error {
	if msg == nil {
		return ErrInvalidLength
	}
	payloadLen, err := payloadLength(msg.Fields)
	if err != nil {
		return err
	}
	if payloadLen > MaxPayload {
		return ErrPayloadTooLarge
	}
	if msg.Header.Flags&^knownFlags != 0 {
		return ErrUnknownFlags
	}

	head := msg.Header
	head.Magic = Magic
	head.Version = Version
	head.HeaderLen = HeaderSize
	head.PayloadLen = payloadLen

	var buf bytes.Buffer
	buf.Grow(int(HeaderSize) + int(payloadLen))
	buf.Write(encodeHeader(head))
	for _, field := range msg.Fields {
		writeField(&buf, field)
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func payloadLength(fields []Field) (uint64, error) {
	var total uint64
	for _, field := range fields {
		if len(field.Value) > int(^uint32(0)) {
			return 0, ErrInvalidLength
		}
		total += uint64(fieldHeaderSize + len(field.Value))
	}
	return total, nil
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], uint32(h.MessageType))
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func writeField(buf *bytes.Buffer, field Field) {
	var head [fieldHeaderSize]byte
	binary.BigEndian.PutUint16(head[0:2], field.ID)
	head[2] = byte(field.Type)
	binary.BigEndian.PutUint32(head[3:7], uint32(len(field.Value)))
	buf.Write(head[:])
	buf.Write(field.Value)
}
