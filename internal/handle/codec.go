// Package handle turns a capability token and a shadow descriptor into an
// opaque, checksum-protected handle and back.
//
// The scattering is an obfuscation that raises the cost of forging a handle
// by reading memory; it is not a security boundary.
package handle

import (
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/danmuck/stackguard/internal/fault"
)

var ErrInvalidHandle = errors.New("handle: invalid handle")

// Handle is the opaque value callers hold instead of any address.
type Handle [Size]byte

// IsZero reports whether h was never minted.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// Codec encodes and decodes handles for one layout.
type Codec struct {
	layout Layout

	mu  sync.Mutex
	rng *rand.Rand
}

// NewCodec validates layout. A nil rng selects a randomly seeded ChaCha8.
func NewCodec(layout Layout, rng *rand.Rand) (*Codec, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		var seed [32]byte
		for i := range seed {
			seed[i] = byte(rand.Uint32())
		}
		rng = rand.New(rand.NewChaCha8(seed))
	}
	return &Codec{layout: layout, rng: rng}, nil
}

// Encode scatters the 8 token bytes into the window, each at a random free
// position inside its slot, records the positions in the bitmap, and writes
// the byte checksum and the descriptor.
func (c *Codec) Encode(token uint64, descriptor int32) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	var h Handle
	l := c.layout

	var raw [TokenBytes]byte
	binary.LittleEndian.PutUint64(raw[:], token)

	// decoys first; real bytes overwrite their chosen positions
	for p := l.Window.offset; p < l.Window.end(); p++ {
		h[p] = byte(c.rng.Uint32())
	}

	var checksum uint32
	for i, b := range raw {
		slot := l.Window.offset + i*l.SlotWidth
		pos := 0
		for {
			pos = slot + c.rng.IntN(l.SlotWidth)
			if !c.bit(&h, pos) {
				break
			}
		}
		c.setBit(&h, pos)
		h[pos] = b
		checksum += uint32(b)
	}

	binary.LittleEndian.PutUint32(h[l.Checksum.offset:l.Checksum.end()], checksum)
	binary.LittleEndian.PutUint32(h[l.Descriptor.offset:l.Descriptor.end()], uint32(descriptor))
	return h
}

// Decode scans the bitmap in order and rebuilds the token from every marked
// position. Any mark outside the window, a slot with zero or several marks,
// or a checksum mismatch fails the decode and no token is produced.
func (c *Codec) Decode(h Handle) (uint64, int32, error) {
	l := c.layout
	var raw [TokenBytes]byte
	var checksum uint32
	n := 0
	for pos := 0; pos < l.Bitmap.length*8; pos++ {
		if !c.bit(&h, pos) {
			continue
		}
		if pos < l.Window.offset || pos >= l.Window.end() {
			return 0, 0, ErrInvalidHandle
		}
		if n >= TokenBytes || (pos-l.Window.offset)/l.SlotWidth != n {
			return 0, 0, ErrInvalidHandle
		}
		raw[n] = h[pos]
		checksum += uint32(h[pos])
		n++
	}
	if n != TokenBytes {
		return 0, 0, ErrInvalidHandle
	}
	if checksum != binary.LittleEndian.Uint32(h[l.Checksum.offset:l.Checksum.end()]) {
		return 0, 0, ErrInvalidHandle
	}
	descriptor := int32(binary.LittleEndian.Uint32(h[l.Descriptor.offset:l.Descriptor.end()]))
	return binary.LittleEndian.Uint64(raw[:]), descriptor, nil
}

// Fault maps a decode error to the bits callers fold into their result.
func Fault(err error) fault.Fault {
	if err == nil {
		return fault.None
	}
	return fault.InvalidHandle | fault.StackPointerNull
}

func (c *Codec) bit(h *Handle, pos int) bool {
	b := c.layout.Bitmap.offset + pos/8
	return h[b]&(1<<(pos%8)) != 0
}

func (c *Codec) setBit(h *Handle, pos int) {
	b := c.layout.Bitmap.offset + pos/8
	h[b] |= 1 << (pos % 8)
}
