package stack

import "encoding/binary"

const hashSeed uint64 = 5381

// djb2 over b, continuing from h.
func djb2(h uint64, b []byte) uint64 {
	for _, c := range b {
		h = (h << 5) + h + uint64(c)
	}
	return h
}

// computeStackHash covers the header counters only. The hash fields, the
// fault flags and the block address are excluded so a shadow replica in
// another process computes the same value.
func (s *Stack) computeStackHash() uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.capacity))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.size))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(s.floor))
	return djb2(hashSeed, buf[:])
}

// computeDataHash covers the full sentinel-inclusive block.
func (s *Stack) computeDataHash() uint64 {
	return djb2(hashSeed, s.block)
}

func (s *Stack) updateHashes() {
	if !s.cfg.EnableHash {
		return
	}
	s.stackHash = s.computeStackHash()
	s.dataHash = s.computeDataHash()
}
