package handle

import (
	"errors"
	"fmt"
)

// Size is the width of an encoded handle.
const Size = 32

// TokenBytes is the number of token bytes scattered into the window.
const TokenBytes = 8

// field is a tagged byte range inside a handle.
type field struct {
	name   string
	offset int
	length int
}

func (f field) end() int { return f.offset + f.length }

// Layout places every handle field at a fixed offset. Byte i of the token
// lives at one of the SlotWidth window positions Window.offset+i*SlotWidth+k,
// which keeps the bytes in encounter order when the window is scanned.
type Layout struct {
	Bitmap     field
	Checksum   field
	Window     field
	Descriptor field
	SlotWidth  int
}

var ErrInvalidLayout = errors.New("handle: invalid layout")

// DefaultLayout mirrors the 32-byte record the codec was designed around:
// bitmap [0:4), checksum [4:8), window [8:24), descriptor [24:28).
func DefaultLayout() Layout {
	return Layout{
		Bitmap:     field{name: "bitmap", offset: 0, length: 4},
		Checksum:   field{name: "checksum", offset: 4, length: 4},
		Window:     field{name: "window", offset: 8, length: 16},
		Descriptor: field{name: "descriptor", offset: 24, length: 4},
		SlotWidth:  2,
	}
}

// Validate rejects layouts with overlapping or out-of-range fields, or a
// bitmap too small to address the window.
func (l Layout) Validate() error {
	fields := []field{l.Bitmap, l.Checksum, l.Window, l.Descriptor}
	for i, a := range fields {
		if a.offset < 0 || a.length <= 0 || a.end() > Size {
			return fmt.Errorf("%w: %s out of range", ErrInvalidLayout, a.name)
		}
		for _, b := range fields[i+1:] {
			if a.offset < b.end() && b.offset < a.end() {
				return fmt.Errorf("%w: %s overlaps %s", ErrInvalidLayout, a.name, b.name)
			}
		}
	}
	if l.Checksum.length != 4 || l.Descriptor.length != 4 {
		return fmt.Errorf("%w: checksum and descriptor must be 4 bytes", ErrInvalidLayout)
	}
	if l.SlotWidth < 1 || l.Window.length != TokenBytes*l.SlotWidth {
		return fmt.Errorf("%w: window must hold %d slots of width %d", ErrInvalidLayout, TokenBytes, l.SlotWidth)
	}
	if l.Bitmap.length*8 < l.Window.end() {
		return fmt.Errorf("%w: bitmap cannot address window", ErrInvalidLayout)
	}
	return nil
}
