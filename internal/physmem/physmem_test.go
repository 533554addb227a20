package physmem

import (
	"errors"
	"testing"
)

func newArena(t *testing.T, base, size uint64) *Arena {
	t.Helper()
	a, err := New(base, size)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return a
}

func TestArenaReadWriteByPhysicalAddress(t *testing.T) {
	a := newArena(t, 0x100000, 0x2000)

	if _, err := a.WriteAt([]byte("ZEN1"), 0x100ffe); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 4)
	if _, err := a.ReadAt(got, 0x100ffe); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "ZEN1" {
		t.Fatalf("ReadAt = %q, want ZEN1", got)
	}

	buf, err := a.Slice(0x100000, 4)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("fresh arena byte %d = %#x, want 0", i, b)
		}
	}
}

func TestArenaRejectsOutOfRange(t *testing.T) {
	a := newArena(t, 0x100000, 0x1000)

	cases := []struct {
		name string
		addr int64
		n    int
	}{
		{"below base", 0xfffff, 1},
		{"past end", 0x101000, 1},
		{"straddles end", 0x100ffc, 8},
		{"negative", -1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.WriteAt(make([]byte, tc.n), tc.addr)
			if !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("WriteAt(%#x) err = %v, want ErrOutOfRange", tc.addr, err)
			}
		})
	}
}

func TestArenaZero(t *testing.T) {
	a := newArena(t, 0, 0x1000)

	if _, err := a.WriteAt([]byte{1, 2, 3, 4}, 0x10); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := a.Zero(0x11, 2); err != nil {
		t.Fatalf("Zero: %v", err)
	}
	got := make([]byte, 4)
	if _, err := a.ReadAt(got, 0x10); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if want := []byte{1, 0, 0, 4}; string(got) != string(want) {
		t.Fatalf("after Zero = %v, want %v", got, want)
	}
}

func TestNewRejectsZeroSize(t *testing.T) {
	if _, err := New(0, 0); err == nil {
		t.Fatalf("expected error for zero-size arena")
	}
}
