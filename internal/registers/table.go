package registers

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the number of holding registers published by the gateway.
const DefaultCapacity = 30000

// ErrOutOfRange is returned when a span does not fit inside the table.
var ErrOutOfRange = errors.New("register span out of range")

// Table is a fixed-size array of 16-bit holding registers shared between
// poll writers and protocol-server readers.
//
// Every Read and Write is a single critical section, so a reader never sees
// one half of a multi-register value from two different writes.
type Table struct {
	mu    sync.RWMutex
	words []uint16
}

// NewTable allocates a zeroed table. Non-positive capacities use DefaultCapacity.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{words: make([]uint16, capacity)}
}

// Capacity returns the number of registers in the table.
func (t *Table) Capacity() int { return len(t.words) }

// Read returns a copy of count registers starting at offset.
func (t *Table) Read(offset, count int) ([]uint16, error) {
	if err := t.check(offset, count); err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	t.mu.RLock()
	copy(out, t.words[offset:offset+count])
	t.mu.RUnlock()
	return out, nil
}

// Write overwrites the exact span [offset, offset+len(words)).
func (t *Table) Write(offset int, words []uint16) error {
	if err := t.check(offset, len(words)); err != nil {
		return err
	}
	t.mu.Lock()
	copy(t.words[offset:], words)
	t.mu.Unlock()
	return nil
}

// WriteFloat32 stores v as a big-endian register pair at offset.
func (t *Table) WriteFloat32(offset int, v float32) error {
	hi, lo := EncodeFloat32(v)
	return t.Write(offset, []uint16{hi, lo})
}

// ReadFloat32 decodes the register pair at offset.
func (t *Table) ReadFloat32(offset int) (float32, error) {
	regs, err := t.Read(offset, 2)
	if err != nil {
		return 0, err
	}
	return DecodeFloat32(regs[0], regs[1]), nil
}

func (t *Table) check(offset, count int) error {
	if offset < 0 || count < 0 || offset+count > len(t.words) {
		return fmt.Errorf("%w: offset=%d count=%d capacity=%d", ErrOutOfRange, offset, count, len(t.words))
	}
	return nil
}
