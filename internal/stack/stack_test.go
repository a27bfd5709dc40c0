package stack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"testing"

	"github.com/danmuck/stackguard/internal/fault"
	"github.com/danmuck/stackguard/internal/testutil/testlog"
)

func newTestStack(t *testing.T, capacity int64) *Stack {
	t.Helper()
	s, f := New(DefaultConfig(), capacity)
	if f != fault.None {
		t.Fatalf("init failed: %s", f)
	}
	return s
}

func assertInvariants(t *testing.T, s *Stack) {
	t.Helper()
	if s.size < 0 || s.size > s.capacity {
		t.Fatalf("size %d outside [0, %d]", s.size, s.capacity)
	}
	if s.leftSentinel() != SentinelMagic || s.rightSentinel() != SentinelMagic {
		t.Fatalf("sentinels changed: %x %x", s.leftSentinel(), s.rightSentinel())
	}
	if s.computeStackHash() != s.stackHash {
		t.Fatalf("stack hash stale")
	}
	if s.computeDataHash() != s.dataHash {
		t.Fatalf("data hash stale")
	}
}

func TestInitDefaultCapacity(t *testing.T) {
	testlog.Start(t)
	s := newTestStack(t, 0)
	if s.Capacity() != DefaultCapacity {
		t.Fatalf("unexpected capacity: %d", s.Capacity())
	}
	if s.Size() != 0 {
		t.Fatalf("unexpected size: %d", s.Size())
	}
	if got := len(s.block); got != int(DefaultCapacity)*ElementSize+2*SentinelWidth {
		t.Fatalf("unexpected block length: %d", got)
	}
	assertInvariants(t, s)
}

func TestInitNegativeCapacity(t *testing.T) {
	testlog.Start(t)
	_, f := New(DefaultConfig(), -3)
	if !f.Has(fault.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %s", f)
	}
}

func TestInitHugeCapacityOverflows(t *testing.T) {
	testlog.Start(t)
	_, f := New(DefaultConfig(), 1<<62)
	if !f.Has(fault.Overflow | fault.AllocationFault) {
		t.Fatalf("expected Overflow|AllocationFault, got %s", f)
	}
}

func TestPushPopScenario(t *testing.T) {
	testlog.Start(t)
	s := newTestStack(t, 10)
	for i := 0; i < 80; i++ {
		if f := s.Push(5.0); f != fault.None {
			t.Fatalf("push %d failed: %s", i, f)
		}
	}
	v, f := s.Pop()
	if f != fault.None {
		t.Fatalf("pop failed: %s", f)
	}
	if v != 5.0 {
		t.Fatalf("expected 5.0, got %v", v)
	}
	if s.Flags() != fault.None {
		t.Fatalf("expected no flags, got %s", s.Flags())
	}
}

func TestInvariantsHoldForRandomSequences(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewPCG(1, 2))
	s := newTestStack(t, 4)
	var model []float64
	for i := 0; i < 2000; i++ {
		if len(model) == 0 || rng.IntN(3) != 0 {
			v := rng.Float64()
			if f := s.Push(v); f != fault.None {
				t.Fatalf("push failed: %s", f)
			}
			model = append(model, v)
		} else {
			v, f := s.Pop()
			if f != fault.None {
				t.Fatalf("pop failed: %s", f)
			}
			want := model[len(model)-1]
			model = model[:len(model)-1]
			if v != want {
				t.Fatalf("pop mismatch: got %v want %v", v, want)
			}
		}
		assertInvariants(t, s)
	}
	snap := s.Snapshot()
	if len(snap) != len(model) {
		t.Fatalf("snapshot length %d, model %d", len(snap), len(model))
	}
	for i := range snap {
		if snap[i] != model[i] {
			t.Fatalf("snapshot[%d] = %v want %v", i, snap[i], model[i])
		}
	}
}

func TestPopEmptySetsAntiOverflow(t *testing.T) {
	testlog.Start(t)
	var diag bytes.Buffer
	cfg := DefaultConfig()
	cfg.Diagnostics = &diag
	s, f := New(cfg, 10)
	if f != fault.None {
		t.Fatalf("init failed: %s", f)
	}
	v, f := s.Pop()
	if !f.Has(fault.AntiOverflow) {
		t.Fatalf("expected AntiOverflow, got %s", f)
	}
	if !IsPoison(v) {
		t.Fatalf("expected poison value, got %v", v)
	}
	if s.Size() != 0 {
		t.Fatalf("size changed: %d", s.Size())
	}
	if !strings.Contains(diag.String(), "ANTI_OVERFLOW") {
		t.Fatalf("expected diagnostic dump, got %q", diag.String())
	}
	if !strings.Contains(diag.String(), "BACKTRACE") {
		t.Fatalf("expected backtrace in dump")
	}
}

func TestGrowShrinkHysteresis(t *testing.T) {
	testlog.Start(t)
	s := newTestStack(t, 8)
	for i := 0; i < 8; i++ {
		s.Push(float64(i))
	}
	if s.Capacity() != 8 {
		t.Fatalf("grew early: %d", s.Capacity())
	}
	s.Push(8)
	if s.Capacity() != 16 {
		t.Fatalf("expected capacity 16, got %d", s.Capacity())
	}
	// size 9 -> 4 stays at 16 (4 is not < 16/4)
	for s.Size() > 4 {
		s.Pop()
	}
	if s.Capacity() != 16 {
		t.Fatalf("shrank early: %d", s.Capacity())
	}
	s.Pop()
	if s.Capacity() != 8 {
		t.Fatalf("expected capacity 8 after dropping below 16/4, got %d", s.Capacity())
	}
	for s.Size() > 0 {
		s.Pop()
	}
	if s.Capacity() != 8 {
		t.Fatalf("capacity dropped below initial floor: %d", s.Capacity())
	}
	if s.Flags() != fault.None {
		t.Fatalf("unexpected flags: %s", s.Flags())
	}
	assertInvariants(t, s)
}

func TestInitBeyondBlockLimitFaults(t *testing.T) {
	testlog.Start(t)
	s, f := New(DefaultConfig(), 1<<35)
	if !f.Has(fault.AllocationFault) {
		t.Fatalf("expected AllocationFault, got %s", f)
	}
	if s.RawBlock() != nil {
		t.Fatalf("expected no block after rejected allocation")
	}
}

func TestHeapAllocatorLimit(t *testing.T) {
	testlog.Start(t)
	a := NewHeapAllocatorLimit(64)
	if _, err := a.Alloc(65); !errors.Is(err, ErrAllocRejected) {
		t.Fatalf("expected ErrAllocRejected, got %v", err)
	}
	b, err := a.Alloc(64)
	if err != nil || !a.Valid(b) {
		t.Fatalf("alloc within limit: %v", err)
	}
}

func TestGrowthBeyondHeapLimitKeepsState(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Diagnostics = io.Discard
	cfg.Allocator = NewHeapAllocatorLimit(8*ElementSize + 2*SentinelWidth)
	s, f := New(cfg, 8)
	if f != fault.None {
		t.Fatalf("init failed: %s", f)
	}
	for i := 0; i < 8; i++ {
		s.Push(float64(i))
	}
	if f := s.Push(8); !f.Has(fault.AllocationFault) {
		t.Fatalf("expected AllocationFault, got %s", f)
	}
	if s.Size() != 8 || s.Capacity() != 8 {
		t.Fatalf("state changed: size=%d capacity=%d", s.Size(), s.Capacity())
	}
}

func TestDefaultConfigDumpsToStderr(t *testing.T) {
	testlog.Start(t)
	f, err := os.CreateTemp(t.TempDir(), "stderr")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	defer f.Close()
	orig := os.Stderr
	os.Stderr = f
	cfg := DefaultConfig()
	os.Stderr = orig

	if cfg.Diagnostics == nil || cfg.Diagnostics == io.Discard {
		t.Fatalf("default config discards diagnostics")
	}
	s, _ := New(cfg, 4)
	if _, fl := s.Pop(); !fl.Has(fault.AntiOverflow) {
		t.Fatalf("expected AntiOverflow, got %s", fl)
	}
	out, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(out), "REPORT:") {
		t.Fatalf("expected a report on stderr, got %q", out)
	}
}

func TestGrowthFailureKeepsState(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Allocator = LimitAllocator{Allocator: NewHeapAllocator(), Limit: 4*ElementSize + 2*SentinelWidth}
	s, f := New(cfg, 4)
	if f != fault.None {
		t.Fatalf("init failed: %s", f)
	}
	for i := 0; i < 4; i++ {
		if f := s.Push(float64(i)); f != fault.None {
			t.Fatalf("push %d failed: %s", i, f)
		}
	}
	f = s.Push(99)
	if !f.Has(fault.AllocationFault) {
		t.Fatalf("expected AllocationFault, got %s", f)
	}
	if s.Size() != 4 || s.Capacity() != 4 {
		t.Fatalf("state changed: size=%d capacity=%d", s.Size(), s.Capacity())
	}
	snap := s.Snapshot()
	if snap[3] != 3 {
		t.Fatalf("top element overwritten: %v", snap)
	}
}

func TestDestructMarksEverythingAndIsIdempotent(t *testing.T) {
	testlog.Start(t)
	s := newTestStack(t, 10)
	s.Push(1)
	if f := s.Destruct(); f != fault.None {
		t.Fatalf("destruct reported %s", f)
	}
	if s.Flags() != fault.All {
		t.Fatalf("expected all flags, got %s", s.Flags())
	}
	if f := s.Destruct(); f != fault.None {
		t.Fatalf("second destruct reported %s", f)
	}
	if f := s.Push(2); f == fault.None {
		t.Fatalf("push after destruct succeeded")
	}
	if _, f := s.Pop(); f == fault.None {
		t.Fatalf("pop after destruct succeeded")
	}
	if !s.Destroyed() {
		t.Fatalf("expected destroyed stack")
	}
}

func TestDestructPoisonsBlock(t *testing.T) {
	testlog.Start(t)
	s := newTestStack(t, 2)
	block := s.block
	s.Push(7)
	s.Destruct()
	for i, b := range block {
		if b != PoisonByte {
			t.Fatalf("byte %d not poisoned: %x", i, b)
		}
	}
}

func TestCorruptedDataSentinelDetected(t *testing.T) {
	testlog.Start(t)
	s := newTestStack(t, 10)
	s.Push(1)
	binary.LittleEndian.PutUint64(s.block[len(s.block)-SentinelWidth:], 0)
	f := s.Verify()
	if !f.Has(fault.DataSentinelCorrupted) {
		t.Fatalf("expected DataSentinelCorrupted, got %s", f)
	}
	if f.Any(fault.Capacity | fault.Structural) {
		t.Fatalf("structural bits set for sentinel-only corruption: %s", f)
	}
}

func TestCorruptedHeaderSentinelDetected(t *testing.T) {
	testlog.Start(t)
	s := newTestStack(t, 10)
	s.headGuard = 0
	if f := s.Verify(); !f.Has(fault.StackSentinelCorrupted) {
		t.Fatalf("expected StackSentinelCorrupted, got %s", f)
	}
}

func TestCorruptedElementDetectedByDataHash(t *testing.T) {
	testlog.Start(t)
	s := newTestStack(t, 10)
	s.Push(1)
	s.block[SentinelWidth] ^= 0xff
	f := s.Push(2)
	if !f.Has(fault.DataHashMismatch) {
		t.Fatalf("expected DataHashMismatch, got %s", f)
	}
	if s.Size() != 1 {
		t.Fatalf("push proceeded on a corrupted stack")
	}
}

func TestCorruptedSizeDetected(t *testing.T) {
	testlog.Start(t)
	s := newTestStack(t, 10)
	s.size = 42
	f := s.Verify()
	if !f.Has(fault.Overflow | fault.StackHashMismatch) {
		t.Fatalf("expected Overflow|StackHashMismatch, got %s", f)
	}
}

func TestChecksDisabledByConfig(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.EnableSentinels = false
	cfg.EnableHash = false
	s, f := New(cfg, 10)
	if f != fault.None {
		t.Fatalf("init failed: %s", f)
	}
	binary.LittleEndian.PutUint64(s.block[:SentinelWidth], 0)
	if f := s.Verify(); f != fault.None {
		t.Fatalf("disabled checks still reported %s", f)
	}
	if s.StackHash() != 0 || s.DataHash() != 0 {
		t.Fatalf("hashes computed while disabled")
	}
}

func TestHashesIndependentOfAddress(t *testing.T) {
	testlog.Start(t)
	a := newTestStack(t, 10)
	b := newTestStack(t, 10)
	for i := 0; i < 30; i++ {
		a.Push(float64(i))
		b.Push(float64(i))
	}
	a.Pop()
	b.Pop()
	if a.StackHash() != b.StackHash() || a.DataHash() != b.DataHash() {
		t.Fatalf("replicas disagree: %d/%d vs %d/%d", a.StackHash(), a.DataHash(), b.StackHash(), b.DataHash())
	}
}

func TestBlockSizeCheckedArithmetic(t *testing.T) {
	if _, ok := blockSize(-1); ok {
		t.Fatalf("negative capacity accepted")
	}
	if _, ok := blockSize(1 << 61); ok {
		t.Fatalf("overflowing capacity accepted")
	}
	n, ok := blockSize(10)
	if !ok || n != 10*ElementSize+2*SentinelWidth {
		t.Fatalf("unexpected block size: %d %v", n, ok)
	}
}

func TestDumpListsLiveAndPoisoned(t *testing.T) {
	testlog.Start(t)
	s := newTestStack(t, 4)
	s.Push(1.5)
	var out bytes.Buffer
	s.Dump(&out)
	text := out.String()
	if !strings.Contains(text, "data[0] (live) = 1.5") {
		t.Fatalf("missing live element: %q", text)
	}
	if !strings.Contains(text, "data[3] (poisoned)") {
		t.Fatalf("missing poisoned slot: %q", text)
	}
	if strings.Contains(text, "\033[") {
		t.Fatalf("dump to plain writer contains color codes")
	}
}

func TestNewAllocatorByName(t *testing.T) {
	testlog.Start(t)
	for _, name := range []string{"", AllocatorHeap, AllocatorMmap} {
		a, err := NewAllocator(name)
		if err != nil || a == nil {
			t.Fatalf("allocator %q: %v", name, err)
		}
	}
	if _, err := NewAllocator("arena"); !errors.Is(err, ErrUnknownAllocator) {
		t.Fatalf("expected ErrUnknownAllocator, got %v", err)
	}
}
