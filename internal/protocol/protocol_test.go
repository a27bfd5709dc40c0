package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/danmuck/stackguard/internal/fault"
	"github.com/danmuck/stackguard/internal/testutil/testlog"
)

func TestRoundTripEncodeDecode(t *testing.T) {
	testlog.Start(t)
	msg := &Message{
		Header: Header{
			MessageID:   42,
			MessageType: MessageRequest,
		},
		Fields: []Field{
			NewFieldUint32(1, 99),
			NewFieldString(2, "hello"),
			NewFieldUint8(99, 3),
		},
	}

	var buf bytes.Buffer
	if err := Encode(&buf, msg); err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var buf2 bytes.Buffer
	if err := Encode(&buf2, decoded); err != nil {
		t.Fatalf("re-encode: %v", err)
	}

	if !bytes.Equal(buf.Bytes(), buf2.Bytes()) {
		t.Fatalf("round-trip mismatch")
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	testlog.Start(t)
	payload := buildFieldPayload(NewFieldUint8(1, 7))
	head := headerBytes(uint64(len(payload)), 0)
	head[0] = 0
	head[1] = 0
	head[2] = 0
	head[3] = 0

	buf := append(head, payload...)
	_, err := Decode(bytes.NewReader(buf))
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestDecodeCleanEOF(t *testing.T) {
	testlog.Start(t)
	if _, err := Decode(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if _, err := Decode(bytes.NewReader([]byte{0x53, 0x54})); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated for partial header, got %v", err)
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	testlog.Start(t)
	msg := &Message{
		Header: Header{MessageID: 1, MessageType: MessageResponse},
		Fields: []Field{NewFieldString(1, "abc")},
	}
	var buf bytes.Buffer
	if err := Encode(&buf, msg); err != nil {
		t.Fatalf("encode: %v", err)
	}

	b := buf.Bytes()
	b = b[:len(b)-2]
	_, err := Decode(bytes.NewReader(b))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeInvalidFieldLength(t *testing.T) {
	testlog.Start(t)
	payload := make([]byte, fieldHeaderSize+1)
	binary.BigEndian.PutUint16(payload[0:2], 1)
	payload[2] = byte(FieldString)
	binary.BigEndian.PutUint32(payload[3:7], 5)
	payload[7] = 0xff

	head := headerBytes(uint64(len(payload)), 0)
	buf := append(head, payload...)
	_, err := Decode(bytes.NewReader(buf))
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)
	head := headerBytes(MaxPayload+1, 0)
	if _, err := Decode(bytes.NewReader(head)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestSemanticUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	msg := Request{Command: CommandPush, Descriptor: 4, Argument: 1.5}.Message(9)
	msg.Fields = append(msg.Fields, NewFieldUint32(99, 123))

	parsed, err := ParseSemantic(msg, RequestSchema)
	if err != nil {
		t.Fatalf("parse semantic: %v", err)
	}
	if _, ok := parsed.Fields[FieldCommand]; !ok {
		t.Fatalf("expected known field")
	}
	if len(parsed.Unknown) != 1 {
		t.Fatalf("expected 1 unknown field, got %d", len(parsed.Unknown))
	}
}

func TestSemanticMissingField(t *testing.T) {
	testlog.Start(t)
	msg := &Message{
		Header: Header{MessageID: 1, MessageType: MessageRequest},
		Fields: []Field{NewFieldUint8(FieldCommand, uint8(CommandPop))},
	}
	_, err := ParseRequest(msg)
	var missing MissingFieldError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingFieldError, got %v", err)
	}
	if missing.FieldID != FieldDescriptor {
		t.Fatalf("expected lowest missing field %d, got %d", FieldDescriptor, missing.FieldID)
	}
}

func TestRequestOverWire(t *testing.T) {
	testlog.Start(t)
	nan := math.Float64frombits(0x7FF8_0000_0000_BEEF)
	req := Request{
		Command:    CommandPush,
		Descriptor: 17,
		Argument:   nan,
		StackHash:  0xdeadbeef,
		DataHash:   1 << 63,
	}
	var buf bytes.Buffer
	if err := Encode(&buf, req.Message(5)); err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Header.MessageID != 5 {
		t.Fatalf("unexpected message id: %d", msg.Header.MessageID)
	}
	got, err := ParseRequest(msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Command != req.Command || got.Descriptor != req.Descriptor ||
		got.StackHash != req.StackHash || got.DataHash != req.DataHash {
		t.Fatalf("request mismatch: %+v", got)
	}
	if math.Float64bits(got.Argument) != math.Float64bits(nan) {
		t.Fatalf("argument bits changed: %x", math.Float64bits(got.Argument))
	}
}

func TestRequestRejectsUnknownCommand(t *testing.T) {
	testlog.Start(t)
	msg := Request{Command: Command(42)}.Message(1)
	if _, err := ParseRequest(msg); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestParseResponseRejectsIdle(t *testing.T) {
	testlog.Start(t)
	msg := Response{Status: StatusIdle, Descriptor: 1}.Message(2)
	if _, err := ParseResponse(msg); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestResponseRequiresResponseFlag(t *testing.T) {
	testlog.Start(t)
	msg := Response{Status: StatusSuccess, Descriptor: 3}.Message(8)
	got, err := ParseResponse(msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Status != StatusSuccess || got.Descriptor != 3 {
		t.Fatalf("unexpected response: %+v", got)
	}
	msg.Header.Flags = 0
	if _, err := ParseResponse(msg); !errors.Is(err, ErrMessageTypeMismatch) {
		t.Fatalf("expected ErrMessageTypeMismatch, got %v", err)
	}
}

func TestProcessErrorCarriesErrorFlag(t *testing.T) {
	testlog.Start(t)
	msg := Response{Status: StatusProcessError, Descriptor: -1, Detail: "table full"}.Message(9)
	if msg.Header.Flags&FlagIsError == 0 {
		t.Fatalf("expected FlagIsError on process error response")
	}
	var buf bytes.Buffer
	if err := Encode(&buf, msg); err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := ParseResponse(decoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Status != StatusProcessError || got.Detail != "table full" {
		t.Fatalf("unexpected response: %+v", got)
	}

	decoded.Header.Flags = FlagIsResponse
	if _, err := ParseResponse(decoded); !errors.Is(err, ErrMessageTypeMismatch) {
		t.Fatalf("expected ErrMessageTypeMismatch, got %v", err)
	}
}

func TestDecodeUnknownFlags(t *testing.T) {
	testlog.Start(t)
	payload := buildFieldPayload(NewFieldUint8(1, 7))
	buf := append(headerBytes(uint64(len(payload)), 0x80), payload...)
	if _, err := Decode(bytes.NewReader(buf)); !errors.Is(err, ErrUnknownFlags) {
		t.Fatalf("expected ErrUnknownFlags, got %v", err)
	}
	msg := &Message{Header: Header{MessageType: MessageRequest, Flags: 0x80}}
	if err := Encode(io.Discard, msg); !errors.Is(err, ErrUnknownFlags) {
		t.Fatalf("expected ErrUnknownFlags on encode, got %v", err)
	}
}

func TestResponseFault(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		status Status
		want   fault.Fault
	}{
		{StatusSuccess, fault.None},
		{StatusFailed, fault.ExternalVerifyFailed},
		{StatusProcessing, fault.ExternalVerifyFailed},
		{StatusProcessError, fault.ExternalVerifyFailed | fault.ShadowProcessError},
	}
	for _, tc := range cases {
		if got := (Response{Status: tc.status}).Fault(); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.status, got, tc.want)
		}
	}
}

func headerBytes(payloadLen uint64, flags uint32) []byte {
	head := Header{
		Magic:       Magic,
		Version:     Version,
		HeaderLen:   HeaderSize,
		MessageID:   1,
		MessageType: MessageRequest,
		Flags:       flags,
		PayloadLen:  payloadLen,
	}
	return encodeHeader(head)
}

func buildFieldPayload(field Field) []byte {
	buf := make([]byte, 0, fieldHeaderSize+len(field.Value))
	header := make([]byte, fieldHeaderSize)
	binary.BigEndian.PutUint16(header[0:2], field.ID)
	header[2] = byte(field.Type)
	binary.BigEndian.PutUint32(header[3:7], uint32(len(field.Value)))
	buf = append(buf, header...)
	buf = append(buf, field.Value...)
	return buf
}
