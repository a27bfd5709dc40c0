package stack

import "github.com/danmuck/stackguard/internal/fault"

// check evaluates one family of invariants and returns the bits it found.
type check func(s *Stack) fault.Fault

// buildChecks resolves the verifier strategy once per stack.
func buildChecks(cfg Config) []check {
	checks := []check{checkStructure}
	if cfg.EnableSentinels {
		checks = append(checks, checkSentinels)
	}
	if cfg.EnableHash {
		checks = append(checks, checkHashes)
	}
	return checks
}

// verify runs every check without short-circuiting, ORs the result into the
// sticky flags and dumps the stack when anything is set.
func (s *Stack) verify(op string) fault.Fault {
	if s == nil {
		return fault.StackPointerNull
	}
	var found fault.Fault
	for _, c := range s.checks {
		found |= c(s)
	}
	s.flags |= found
	if s.flags != fault.None {
		s.dump(op)
	}
	return s.flags
}

func checkStructure(s *Stack) fault.Fault {
	var f fault.Fault
	if !s.blockReadable() {
		f |= fault.DataPointerNull
	}
	if s.capacity < 0 {
		f |= fault.InvalidCapacity
	}
	if s.size < 0 {
		f |= fault.AntiOverflow
	}
	if s.size > s.capacity {
		f |= fault.Overflow
	}
	if f&fault.DataPointerNull == 0 && s.capacity >= 0 && s.capacity != s.blockCapacity() {
		f |= fault.InvalidCapacity
	}
	return f
}

func checkSentinels(s *Stack) fault.Fault {
	var f fault.Fault
	if s.headGuard != SentinelMagic || s.tailGuard != SentinelMagic {
		f |= fault.StackSentinelCorrupted
	}
	if s.blockReadable() {
		if s.leftSentinel() != SentinelMagic || s.rightSentinel() != SentinelMagic {
			f |= fault.DataSentinelCorrupted
		}
	}
	return f
}

func checkHashes(s *Stack) fault.Fault {
	var f fault.Fault
	if s.computeStackHash() != s.stackHash {
		f |= fault.StackHashMismatch
	}
	if s.blockReadable() && s.computeDataHash() != s.dataHash {
		f |= fault.DataHashMismatch
	}
	return f
}
