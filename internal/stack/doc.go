// Package stack owns the guarded float64 stack and its integrity verifier.
//
// Ownership boundary:
// - sentinel-flanked backing blocks and their allocators
// - header and data hashing
// - verification and diagnostic dumps
//
// The backing block layout is fixed regardless of which checks are enabled:
//
//	[ sentinel | elem 0 | elem 1 | ... | elem capacity-1 | sentinel ]
//
// so the data hash of a stack and its shadow replica agree byte for byte.
package stack
