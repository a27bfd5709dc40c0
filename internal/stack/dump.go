package stack

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/danmuck/stackguard/internal/fault"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[1;31m"
	ansiGreen  = "\033[1;32m"
	ansiYellow = "\033[1;33m"
	ansiPurple = "\033[1;35m"
	ansiWhite  = "\033[1;37m"
)

type painter struct {
	w     io.Writer
	color bool
}

func (p painter) printf(color, format string, args ...any) {
	if p.color {
		fmt.Fprint(p.w, color)
		fmt.Fprintf(p.w, format, args...)
		fmt.Fprint(p.w, ansiReset)
		return
	}
	fmt.Fprintf(p.w, format, args...)
}

// dump reports the current flags, the stack fields, every element of the
// block tagged live or poisoned, and a backtrace.
func (s *Stack) dump(op string) {
	w := s.cfg.Diagnostics
	if w == nil || w == io.Discard {
		return
	}
	p := painter{w: w, color: s.cfg.Color}
	if _, file, line, ok := runtime.Caller(2); ok {
		p.printf(ansiRed, "stack corrupted during %s (%s:%d)\n", op, file, line)
	} else {
		p.printf(ansiRed, "stack corrupted during %s\n", op)
	}
	s.writeReport(p)
	p.printf(ansiRed, "\nBACKTRACE:\n")
	p.printf(ansiWhite, "%s\n", debug.Stack())
}

// Dump writes the report and element listing to w without a backtrace.
func (s *Stack) Dump(w io.Writer) {
	s.writeReport(painter{w: w})
}

func (s *Stack) writeReport(p painter) {
	p.printf(ansiRed, "REPORT:\n")
	if s.flags == fault.None {
		p.printf(ansiWhite, "No errors have been registered\n")
	}
	for _, b := range s.flags.Bits() {
		p.printf(ansiWhite, "%s: %s\n", b.Name(), b.Message())
	}

	p.printf(ansiRed, "Stack (%p){\n", s)
	p.printf(ansiGreen, "\tsize = ")
	p.printf(ansiPurple, "%d\n", s.size)
	p.printf(ansiGreen, "\tcapacity = ")
	p.printf(ansiPurple, "%d\n", s.capacity)
	p.printf(ansiGreen, "\tblockCapacity = ")
	p.printf(ansiPurple, "%d\n", s.blockCapacity())
	p.printf(ansiGreen, "\tstackHash = ")
	p.printf(ansiPurple, "%d\n", s.stackHash)
	p.printf(ansiGreen, "\tdataHash = ")
	p.printf(ansiPurple, "%d\n", s.dataHash)
	p.printf(ansiGreen, "\theadGuard = ")
	p.printf(ansiPurple, "%x\n", s.headGuard)
	p.printf(ansiGreen, "\ttailGuard = ")
	p.printf(ansiPurple, "%x\n", s.tailGuard)

	if !s.blockReadable() {
		p.printf(ansiYellow, "\tdata {\n\t\tunable to read stack data\n\t}\n")
		p.printf(ansiRed, "}\n")
		return
	}

	p.printf(ansiGreen, "\tleftDataSentinel = ")
	p.printf(ansiPurple, "%x\n", s.leftSentinel())
	p.printf(ansiGreen, "\trightDataSentinel = ")
	p.printf(ansiPurple, "%x\n", s.rightSentinel())

	p.printf(ansiPurple, "\tdata {\n")
	for i := int64(0); i < s.blockCapacity(); i++ {
		color, tag := ansiRed, "poisoned"
		if i < s.size {
			color, tag = ansiGreen, "live"
		}
		p.printf(color, "\t\tdata[%d] (%s) = ", i, tag)
		p.printf(ansiPurple, "%g\n", s.elem(i))
	}
	p.printf(ansiPurple, "\t}\n")
	p.printf(ansiRed, "}\n")
}
