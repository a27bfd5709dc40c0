package stack

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	// DefaultCapacity is used when Init is asked for capacity 0.
	DefaultCapacity int64 = 10
	// GrowthFactor multiplies capacity when a push finds the stack full.
	GrowthFactor int64 = 2
	// MaxAllocSize bounds a single backing block.
	MaxAllocSize int64 = 1 << 40
)

// Config selects verifier strategies and memory backing. It is resolved once
// when a stack is created.
type Config struct {
	EnableSentinels bool
	EnableHash      bool
	Allocator       Allocator
	// Diagnostics receives dumps. nil selects stderr; io.Discard turns
	// dumps off.
	Diagnostics io.Writer
	// Color tags dump lines with ANSI colors.
	Color bool
}

func DefaultConfig() Config {
	w, color := DefaultDiagnostics()
	return Config{
		EnableSentinels: true,
		EnableHash:      true,
		Allocator:       NewHeapAllocator(),
		Diagnostics:     w,
		Color:           color,
	}
}

// DefaultDiagnostics returns a colorable stderr and whether it is a terminal.
func DefaultDiagnostics() (io.Writer, bool) {
	fd := os.Stderr.Fd()
	return colorable.NewColorableStderr(), isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (c Config) normalized() Config {
	if c.Allocator == nil {
		c.Allocator = NewHeapAllocator()
	}
	if c.Diagnostics == nil {
		c.Diagnostics, c.Color = DefaultDiagnostics()
	}
	return c
}
