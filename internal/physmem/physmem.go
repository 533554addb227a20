// Package physmem provides a flat physical memory arena addressed by
// physical address rather than by offset.
package physmem

import (
	"errors"
	"fmt"
	"math"
)

// ErrOutOfRange is returned for accesses outside the arena.
var ErrOutOfRange = errors.New("physical address out of range")

// Arena is a contiguous range of physical memory [Base, Base+Size).
type Arena struct {
	base    uint64
	mem     []byte
	release func() error
}

// New allocates an arena of size bytes starting at physical address base.
// The memory starts zeroed.
func New(base, size uint64) (*Arena, error) {
	if size == 0 {
		return nil, errors.New("physmem: zero-size arena")
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("physmem: size %#x exceeds host limits", size)
	}
	if base+size < base {
		return nil, fmt.Errorf("physmem: arena [%#x, +%#x) wraps the address space", base, size)
	}
	mem, release, err := allocate(int(size))
	if err != nil {
		return nil, fmt.Errorf("physmem: allocate %#x bytes: %w", size, err)
	}
	return &Arena{base: base, mem: mem, release: release}, nil
}

// Base returns the first physical address of the arena.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the size of the arena in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.mem)) }

// End returns the first physical address past the arena.
func (a *Arena) End() uint64 { return a.base + uint64(len(a.mem)) }

// Contains reports whether [addr, addr+size) lies inside the arena.
func (a *Arena) Contains(addr, size uint64) bool {
	if addr < a.base {
		return false
	}
	off := addr - a.base
	return off <= uint64(len(a.mem)) && size <= uint64(len(a.mem))-off
}

// Slice returns the arena bytes backing [addr, addr+size).
func (a *Arena) Slice(addr, size uint64) ([]byte, error) {
	if !a.Contains(addr, size) {
		return nil, fmt.Errorf("%w: [%#x, +%#x) not in [%#x, %#x)", ErrOutOfRange, addr, size, a.base, a.End())
	}
	off := addr - a.base
	return a.mem[off : off+size], nil
}

// ReadAt implements io.ReaderAt. off is a physical address.
func (a *Arena) ReadAt(p []byte, off int64) (n int, err error) {
	buf, err := a.window(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, buf), nil
}

// WriteAt implements io.WriterAt. off is a physical address.
func (a *Arena) WriteAt(p []byte, off int64) (n int, err error) {
	buf, err := a.window(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(buf, p), nil
}

// Zero clears [addr, addr+size).
func (a *Arena) Zero(addr, size uint64) error {
	buf, err := a.Slice(addr, size)
	if err != nil {
		return err
	}
	clear(buf)
	return nil
}

// Close releases the backing memory. The arena must not be used after.
func (a *Arena) Close() error {
	if a.release == nil {
		return nil
	}
	release := a.release
	a.release = nil
	a.mem = nil
	return release()
}

func (a *Arena) window(off int64, n int) ([]byte, error) {
	if off < 0 {
		return nil, fmt.Errorf("%w: negative address %d", ErrOutOfRange, off)
	}
	return a.Slice(uint64(off), uint64(n))
}
