package stack

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/danmuck/stackguard/internal/fault"
	"github.com/rs/zerolog/log"
)

const (
	// ElementSize is the width of one float64 element in the block.
	ElementSize = 8
	// SentinelWidth is the width of one sentinel word.
	SentinelWidth = 8
	// SentinelMagic is written into every sentinel word.
	SentinelMagic uint64 = 0xFBADBEEF
	// PoisonByte fills destroyed blocks.
	PoisonByte byte = 0xDD
)

// PoisonValue is returned by a Pop that could not produce an element.
var PoisonValue = math.Float64frombits(0x7FF8_DEAD_DEAD_DEAD)

// IsPoison reports whether v carries the PoisonValue bit pattern.
func IsPoison(v float64) bool {
	return math.Float64bits(v) == math.Float64bits(PoisonValue)
}

// Stack is a growable float64 stack with sentinel words around both its
// header and its backing block, plus header and data hashes.
type Stack struct {
	headGuard uint64

	capacity int64
	size     int64
	floor    int64
	block    []byte

	flags     fault.Fault
	stackHash uint64
	dataHash  uint64

	tailGuard uint64

	cfg    Config
	checks []check
}

// New initializes a stack with the given capacity (0 selects
// DefaultCapacity). The returned fault is the verification result; a stack
// is returned even when faulted so callers can inspect and dump it.
func New(cfg Config, capacity int64) (*Stack, fault.Fault) {
	cfg = cfg.normalized()
	s := &Stack{
		headGuard: SentinelMagic,
		tailGuard: SentinelMagic,
		cfg:       cfg,
		checks:    buildChecks(cfg),
	}
	if capacity < 0 {
		s.flags |= fault.InvalidInput | fault.InvalidCapacity
		s.dump("init")
		return s, s.flags
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	capacity = alignCapacity(capacity)

	n, ok := blockSize(capacity)
	if !ok {
		s.flags |= fault.Overflow | fault.AllocationFault
		s.dump("init")
		return s, s.flags
	}
	block, err := cfg.Allocator.Alloc(n)
	if err != nil {
		log.Warn().Err(err).Int64("capacity", capacity).Msg("stack init allocation failed")
		s.flags |= fault.AllocationFault | fault.DataPointerNull
		s.dump("init")
		return s, s.flags
	}

	s.capacity = capacity
	s.floor = capacity
	s.block = block
	s.writeSentinels()
	s.updateHashes()

	return s, s.verify("init")
}

// Push appends v, doubling capacity when the stack is full.
func (s *Stack) Push(v float64) fault.Fault {
	if s == nil {
		return fault.StackPointerNull
	}
	if f := s.verify("push"); f != fault.None {
		return f
	}
	if s.size == s.capacity {
		if !s.resize(s.capacity * GrowthFactor) {
			s.updateHashes()
			return s.flags
		}
	}
	s.setElem(s.size, v)
	s.size++
	s.updateHashes()
	return s.verify("push")
}

// Pop removes and returns the top element. Popping an empty stack sets
// AntiOverflow and returns PoisonValue without touching size.
func (s *Stack) Pop() (float64, fault.Fault) {
	if s == nil {
		return PoisonValue, fault.StackPointerNull
	}
	if f := s.verify("pop"); f != fault.None {
		return PoisonValue, f
	}
	if s.size == 0 {
		s.flags |= fault.AntiOverflow
		s.dump("pop")
		return PoisonValue, s.flags
	}
	s.size--
	v := s.elem(s.size)
	s.updateHashes()

	half := s.capacity / GrowthFactor
	if s.size < s.capacity/(GrowthFactor*GrowthFactor) && half >= s.floor {
		s.resize(half)
		s.updateHashes()
	}
	return v, s.verify("pop")
}

// Destruct poisons and frees the block and marks the stack permanently
// invalid. It is idempotent and reports no fault for a non-nil stack.
func (s *Stack) Destruct() fault.Fault {
	if s == nil {
		return fault.StackPointerNull
	}
	if s.block != nil && s.cfg.Allocator.Valid(s.block) {
		poison(s.block)
		if err := s.cfg.Allocator.Free(s.block); err != nil {
			log.Warn().Err(err).Msg("stack destruct free failed")
		}
	}
	s.block = nil
	s.capacity = -1
	s.size = -1
	s.flags = fault.All
	return fault.None
}

// Verify runs every enabled check and returns the accumulated flags.
func (s *Stack) Verify() fault.Fault {
	return s.verify("verify")
}

// MarkFault ORs external findings into the sticky flags.
func (s *Stack) MarkFault(f fault.Fault) {
	if s == nil {
		return
	}
	s.flags |= f
}

func (s *Stack) Size() int64        { return s.size }
func (s *Stack) Capacity() int64    { return s.capacity }
func (s *Stack) Flags() fault.Fault { return s.flags }
func (s *Stack) StackHash() uint64  { return s.stackHash }
func (s *Stack) DataHash() uint64   { return s.dataHash }
func (s *Stack) Destroyed() bool    { return s.block == nil && s.flags == fault.All }
func (s *Stack) Config() Config     { return s.cfg }

// Snapshot copies the live elements, bottom first. It returns nil when the
// block cannot be read safely.
func (s *Stack) Snapshot() []float64 {
	if s == nil || !s.blockReadable() || s.size < 0 || s.size > s.blockCapacity() {
		return nil
	}
	out := make([]float64, s.size)
	for i := range out {
		out[i] = s.elem(int64(i))
	}
	return out
}

// RawBlock returns the live backing block, sentinels included. Writes to it
// bypass every check and are meant for fault-injection drills.
func (s *Stack) RawBlock() []byte {
	if s == nil {
		return nil
	}
	return s.block
}

// resize moves the elements to a block of the given capacity. On failure
// size, capacity and the old block are kept and AllocationFault is set.
func (s *Stack) resize(capacity int64) bool {
	capacity = alignCapacity(capacity)
	n, ok := blockSize(capacity)
	if !ok {
		s.flags |= fault.AllocationFault | fault.Overflow
		s.dump("resize")
		return false
	}
	next, err := s.cfg.Allocator.Alloc(n)
	if err != nil {
		log.Warn().Err(err).Int64("from", s.capacity).Int64("to", capacity).Msg("stack reallocation failed")
		s.flags |= fault.AllocationFault
		s.dump("resize")
		return false
	}

	keep := min(s.capacity, capacity) * ElementSize
	copy(next[SentinelWidth:SentinelWidth+keep], s.block[SentinelWidth:SentinelWidth+keep])
	old := s.block
	s.block = next
	s.capacity = capacity
	s.writeSentinels()

	poison(old)
	if err := s.cfg.Allocator.Free(old); err != nil {
		log.Warn().Err(err).Msg("stack free of previous block failed")
	}
	log.Debug().Int64("capacity", capacity).Int64("size", s.size).Msg("stack resized")
	return true
}

func (s *Stack) writeSentinels() {
	binary.LittleEndian.PutUint64(s.block[:SentinelWidth], SentinelMagic)
	binary.LittleEndian.PutUint64(s.block[len(s.block)-SentinelWidth:], SentinelMagic)
}

func (s *Stack) leftSentinel() uint64 {
	return binary.LittleEndian.Uint64(s.block[:SentinelWidth])
}

func (s *Stack) rightSentinel() uint64 {
	return binary.LittleEndian.Uint64(s.block[len(s.block)-SentinelWidth:])
}

func (s *Stack) elem(i int64) float64 {
	off := SentinelWidth + i*ElementSize
	return math.Float64frombits(binary.LittleEndian.Uint64(s.block[off : off+ElementSize]))
}

func (s *Stack) setElem(i int64, v float64) {
	off := SentinelWidth + i*ElementSize
	binary.LittleEndian.PutUint64(s.block[off:off+ElementSize], math.Float64bits(v))
}

// blockCapacity is the element count the block can physically hold,
// independent of the capacity field.
func (s *Stack) blockCapacity() int64 {
	if len(s.block) < 2*SentinelWidth {
		return 0
	}
	return int64(len(s.block)-2*SentinelWidth) / ElementSize
}

func (s *Stack) blockReadable() bool {
	return len(s.block) >= 2*SentinelWidth && s.cfg.Allocator.Valid(s.block)
}

// alignCapacity rounds capacity up so the element area is a whole number of
// sentinel words.
func alignCapacity(capacity int64) int64 {
	for (capacity*ElementSize)%SentinelWidth != 0 {
		capacity++
	}
	return capacity
}

// blockSize returns capacity*ElementSize + 2*SentinelWidth, or false on
// overflow or when it exceeds MaxAllocSize.
func blockSize(capacity int64) (int, bool) {
	if capacity < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(capacity), ElementSize)
	if hi != 0 {
		return 0, false
	}
	total, carry := bits.Add64(lo, 2*SentinelWidth, 0)
	if carry != 0 || total > uint64(MaxAllocSize) || total > uint64(math.MaxInt) {
		return 0, false
	}
	return int(total), true
}

//go:noinline
func poison(b []byte) {
	for i := range b {
		b[i] = PoisonByte
	}
}
