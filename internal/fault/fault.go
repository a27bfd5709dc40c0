// Package fault owns the integrity fault bitmask shared by the stack, the
// shadow supervisor and the guard facade.
//
// Faults accumulate by OR and are never cleared except by a fresh Init.
package fault

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// Fault is a sticky bitmask of detected integrity violations.
type Fault uint32

const (
	None Fault = 0

	StackPointerNull       Fault = 1 << 0
	DataPointerNull        Fault = 1 << 1
	InvalidCapacity        Fault = 1 << 2
	AntiOverflow           Fault = 1 << 3
	Overflow               Fault = 1 << 4
	InvalidInput           Fault = 1 << 5
	AllocationFault        Fault = 1 << 6
	StackSentinelCorrupted Fault = 1 << 7
	DataSentinelCorrupted  Fault = 1 << 8
	DataHashMismatch       Fault = 1 << 9
	StackHashMismatch      Fault = 1 << 10
	ShadowProcessError     Fault = 1 << 11
	ExternalVerifyFailed   Fault = 1 << 12
	InvalidHandle          Fault = 1 << 13
	ShadowUnreachable      Fault = 1 << 14

	// All marks a destructed stack as permanently invalid.
	All Fault = 1<<15 - 1
)

// Taxonomy groups.
const (
	Structural = StackPointerNull | DataPointerNull | InvalidCapacity
	Capacity   = AntiOverflow | Overflow
	Sentinel   = StackSentinelCorrupted | DataSentinelCorrupted
	Hash       = DataHashMismatch | StackHashMismatch
	External   = ExternalVerifyFailed | ShadowProcessError | ShadowUnreachable
)

var groups = []struct {
	mask Fault
	name string
}{
	{Structural, "structural"},
	{Capacity, "capacity"},
	{Sentinel, "sentinel"},
	{Hash, "hash"},
	{External, "external"},
}

// Groups names the taxonomy groups f touches, in declaration order.
func (f Fault) Groups() []string {
	var out []string
	for _, g := range groups {
		if f.Any(g.mask) {
			out = append(out, g.name)
		}
	}
	return out
}

type descriptor struct {
	bit     Fault
	name    string
	message string
}

var descriptors = []descriptor{
	{StackPointerNull, "STACK_POINTER_NULL", "stack reference is nil or unresolvable"},
	{DataPointerNull, "DATA_POINTER_NULL", "stack data block is nil or unmapped"},
	{InvalidCapacity, "INVALID_CAPACITY_VALUE", "stack has invalid capacity"},
	{AntiOverflow, "ANTI_OVERFLOW", "stack anti-overflow occurred"},
	{Overflow, "OVERFLOW", "stack overflow occurred"},
	{InvalidInput, "INVALID_INPUT", "invalid input"},
	{AllocationFault, "REALLOCATION_ERROR", "memory reallocation failed"},
	{StackSentinelCorrupted, "STACK_CANARY_CORRUPTED", "stack header sentinel corrupted"},
	{DataSentinelCorrupted, "DATA_CANARY_CORRUPTED", "data block sentinel corrupted"},
	{DataHashMismatch, "WRONG_DATA_HASH", "data hash mismatch"},
	{StackHashMismatch, "WRONG_STACK_HASH", "stack hash mismatch"},
	{ShadowProcessError, "SECURITY_PROCESS_ERROR", "shadow process error"},
	{ExternalVerifyFailed, "EXTERNAL_VERIFY_FAILED", "external verification failed"},
	{InvalidHandle, "INVALID_HANDLE", "handle failed to decode"},
	{ShadowUnreachable, "SHADOW_UNREACHABLE", "shadow process unreachable"},
}

// Has reports whether every bit of mask is set in f.
func (f Fault) Has(mask Fault) bool {
	return mask != 0 && f&mask == mask
}

// Any reports whether any bit of mask is set in f.
func (f Fault) Any(mask Fault) bool {
	return f&mask != 0
}

// Count returns the number of set bits.
func (f Fault) Count() int {
	return bits.OnesCount32(uint32(f))
}

// Bits splits f into its individual set bits, lowest first.
func (f Fault) Bits() []Fault {
	out := make([]Fault, 0, f.Count())
	for _, d := range descriptors {
		if f&d.bit != 0 {
			out = append(out, d.bit)
		}
	}
	return out
}

// Name returns the canonical upper-case name of a single bit.
func (f Fault) Name() string {
	for _, d := range descriptors {
		if d.bit == f {
			return d.name
		}
	}
	return fmt.Sprintf("FAULT_0x%x", uint32(f))
}

// Message returns a human-readable description of a single bit.
func (f Fault) Message() string {
	for _, d := range descriptors {
		if d.bit == f {
			return d.message
		}
	}
	return "unknown fault"
}

func (f Fault) String() string {
	if f == None {
		return "NO_ERRORS"
	}
	names := make([]string, 0, f.Count())
	for _, b := range f.Bits() {
		names = append(names, b.Name())
	}
	if rest := f &^ All; rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

// Err returns nil for None and an *Error otherwise.
func (f Fault) Err() error {
	if f == None {
		return nil
	}
	return &Error{Bits: f}
}

// Error carries a non-empty fault bitmask through the error interface.
type Error struct {
	Bits Fault
}

func (e *Error) Error() string {
	return "stackguard: " + e.Bits.String()
}

// Is matches another *Error when the two masks overlap, so
// errors.Is(err, fault.AntiOverflow.Err()) works for composite masks.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Bits&other.Bits != 0
}

// From extracts the bitmask carried by err, or None.
func From(err error) Fault {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Bits
	}
	return None
}
