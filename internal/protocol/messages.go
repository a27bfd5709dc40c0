package protocol

import (
	"fmt"

	"github.com/danmuck/stackguard/internal/fault"
)

// Command selects the operation the shadow worker replays.
type Command uint8

const (
	CommandUnknown Command = iota
	CommandPop
	CommandPush
	CommandInit
	CommandDestruct
	CommandVerifyHash
	CommandAbort
)

var commandNames = [...]string{"unknown", "pop", "push", "init", "destruct", "verify_hash", "abort"}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("command(%d)", uint8(c))
}

// Status is the worker's verdict on one request.
type Status uint8

const (
	// StatusIdle is an empty slot; it is never a valid reply.
	StatusIdle Status = iota
	StatusProcessing
	StatusSuccess
	StatusFailed
	StatusProcessError
)

var statusNames = [...]string{"idle", "processing", "success", "failed", "process_error"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Request field ids.
const (
	FieldCommand    uint16 = 1
	FieldDescriptor uint16 = 2
	FieldArgument   uint16 = 3
	FieldStackHash  uint16 = 4
	FieldDataHash   uint16 = 5
)

// Response field ids. FieldDescriptor is shared with requests.
const (
	FieldStatus uint16 = 1
	FieldDetail uint16 = 3
)

var RequestSchema = Schema{
	MessageType: MessageRequest,
	Fields: []FieldSpec{
		{ID: FieldCommand, Type: FieldUint8, Required: true},
		{ID: FieldDescriptor, Type: FieldUint32, Required: true},
		{ID: FieldArgument, Type: FieldUint64, Required: true},
		{ID: FieldStackHash, Type: FieldUint64, Required: true},
		{ID: FieldDataHash, Type: FieldUint64, Required: true},
	},
}

var ResponseSchema = Schema{
	MessageType: MessageResponse,
	Fields: []FieldSpec{
		{ID: FieldStatus, Type: FieldUint8, Required: true},
		{ID: FieldDescriptor, Type: FieldUint32, Required: true},
		{ID: FieldDetail, Type: FieldString},
	},
}

// Request is the single slot the guard fills before signalling the worker.
// For CommandInit, Argument carries the requested capacity.
type Request struct {
	Command    Command
	Descriptor int32
	Argument   float64
	StackHash  uint64
	DataHash   uint64
}

// Response is the worker's answer to exactly one Request.
type Response struct {
	Status     Status
	Descriptor int32
	Detail     string
}

// Fault maps a response onto the bits the guard folds into its flags.
func (r Response) Fault() fault.Fault {
	switch r.Status {
	case StatusSuccess:
		return fault.None
	case StatusProcessError:
		return fault.ExternalVerifyFailed | fault.ShadowProcessError
	default:
		return fault.ExternalVerifyFailed
	}
}

// Message frames r under the given message id.
func (r Request) Message(id uint64) *Message {
	return &Message{
		Header: Header{MessageID: id, MessageType: MessageRequest},
		Fields: []Field{
			NewFieldUint8(FieldCommand, uint8(r.Command)),
			NewFieldUint32(FieldDescriptor, uint32(r.Descriptor)),
			NewFieldFloat64(FieldArgument, r.Argument),
			NewFieldUint64(FieldStackHash, r.StackHash),
			NewFieldUint64(FieldDataHash, r.DataHash),
		},
	}
}

// ParseRequest validates msg against RequestSchema.
func ParseRequest(msg *Message) (Request, error) {
	sem, err := ParseSemantic(msg, RequestSchema)
	if err != nil {
		return Request{}, err
	}
	if sem.Header.Flags&FlagIsResponse != 0 {
		return Request{}, ErrMessageTypeMismatch
	}
	cmd := Command(sem.Fields[FieldCommand].Uint8)
	if cmd == CommandUnknown || cmd > CommandAbort {
		return Request{}, fmt.Errorf("%w: %d", ErrUnknownCommand, uint8(cmd))
	}
	return Request{
		Command:    cmd,
		Descriptor: int32(sem.Fields[FieldDescriptor].Uint32),
		Argument:   sem.Fields[FieldArgument].Float64(),
		StackHash:  sem.Fields[FieldStackHash].Uint64,
		DataHash:   sem.Fields[FieldDataHash].Uint64,
	}, nil
}

// Message frames r as the answer to request id.
func (r Response) Message(id uint64) *Message {
	fields := []Field{
		NewFieldUint8(FieldStatus, uint8(r.Status)),
		NewFieldUint32(FieldDescriptor, uint32(r.Descriptor)),
	}
	if r.Detail != "" {
		fields = append(fields, NewFieldString(FieldDetail, r.Detail))
	}
	flags := FlagIsResponse
	if r.Status == StatusProcessError {
		flags |= FlagIsError
	}
	return &Message{
		Header: Header{MessageID: id, MessageType: MessageResponse, Flags: flags},
		Fields: fields,
	}
}

// ParseResponse validates msg against ResponseSchema.
func ParseResponse(msg *Message) (Response, error) {
	sem, err := ParseSemantic(msg, ResponseSchema)
	if err != nil {
		return Response{}, err
	}
	if sem.Header.Flags&FlagIsResponse == 0 {
		return Response{}, ErrMessageTypeMismatch
	}
	status := Status(sem.Fields[FieldStatus].Uint8)
	if status == StatusIdle || status > StatusProcessError {
		return Response{}, fmt.Errorf("%w: %d", ErrUnknownStatus, uint8(status))
	}
	if (sem.Header.Flags&FlagIsError != 0) != (status == StatusProcessError) {
		return Response{}, fmt.Errorf("%w: error flag disagrees with %s", ErrMessageTypeMismatch, status)
	}
	return Response{
		Status:     status,
		Descriptor: int32(sem.Fields[FieldDescriptor].Uint32),
		Detail:     sem.Fields[FieldDetail].String,
	}, nil
}
