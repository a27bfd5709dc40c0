package handle

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownToken = errors.New("handle: unknown token")

// Table maps random capability tokens to values. Handles carry tokens, so a
// forged handle that survives the checksum still has to guess a live token.
type Table[T any] struct {
	mu      sync.RWMutex
	entries map[uint64]T
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{entries: make(map[uint64]T)}
}

// Register stores v under a fresh non-zero token.
func (t *Table[T]) Register(v T) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("handle: token: %w", err)
		}
		token := binary.LittleEndian.Uint64(buf[:])
		if token == 0 {
			continue
		}
		if _, taken := t.entries[token]; taken {
			continue
		}
		t.entries[token] = v
		return token, nil
	}
}

func (t *Table[T]) Resolve(token uint64) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.entries[token]
	if !ok {
		var zero T
		return zero, ErrUnknownToken
	}
	return v, nil
}

func (t *Table[T]) Revoke(token uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, token)
}

func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Range calls fn for every entry until fn returns false. fn must not call
// back into the table.
func (t *Table[T]) Range(fn func(token uint64, v T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for token, v := range t.entries {
		if !fn(token, v) {
			return
		}
	}
}
