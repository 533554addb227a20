// Package handoff lays out the structures the loader leaves inside the
// kernel image for the kernel to find.
//
// The first loadable segment starts with Magic. BootInfo sits at the next
// 8-byte boundary after it and MemoryMap at the next 8-byte boundary after
// BootInfo. The kernel recomputes both addresses from its own load address
// with the same rule; nothing records them.
package handoff

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/zenith/internal/efi"
)

// Magic is the signature at the start of the first loadable segment.
const Magic = "ZEN1"

const (
	Alignment = 8

	BootInfoSize  = 32
	MemoryMapSize = 24
)

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	mask := align - 1
	return (v + mask) &^ mask
}

// BootInfoAddress returns where BootInfo lives for a segment at base.
func BootInfoAddress(base uint64) uint64 {
	return AlignUp(base+uint64(len(Magic)), Alignment)
}

// MemoryMapAddress returns where MemoryMap lives for a segment at base.
func MemoryMapAddress(base uint64) uint64 {
	return AlignUp(BootInfoAddress(base)+BootInfoSize, Alignment)
}

// BootInfo describes the framebuffer.
type BootInfo struct {
	Width             uint32
	Height            uint32
	PixelsPerScanLine uint32
	FrameBuffer       uint64
	PixelFormat       efi.PixelFormat
}

func (b BootInfo) encode() []byte {
	buf := make([]byte, BootInfoSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], b.Width)
	le.PutUint32(buf[4:8], b.Height)
	le.PutUint32(buf[8:12], b.PixelsPerScanLine)
	le.PutUint64(buf[16:24], b.FrameBuffer)
	le.PutUint32(buf[24:28], uint32(b.PixelFormat))
	return buf
}

// MemoryMap points the kernel at the final firmware memory map.
type MemoryMap struct {
	DescriptorSize uint64
	Entries        uint64
	Map            uint64
}

func (m MemoryMap) encode() []byte {
	buf := make([]byte, MemoryMapSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], m.DescriptorSize)
	le.PutUint64(buf[8:16], m.Entries)
	le.PutUint64(buf[16:24], m.Map)
	return buf
}

// Builder writes the handoff structures for a segment loaded at Base.
type Builder struct {
	mem  io.WriterAt
	base uint64
}

// NewBuilder returns a builder for the first loadable segment at base.
func NewBuilder(mem io.WriterAt, base uint64) *Builder {
	return &Builder{mem: mem, base: base}
}

// Base returns the segment base the builder was created for.
func (b *Builder) Base() uint64 { return b.base }

// WriteBootInfo stores info at BootInfoAddress(Base).
func (b *Builder) WriteBootInfo(info BootInfo) error {
	addr := BootInfoAddress(b.base)
	if _, err := b.mem.WriteAt(info.encode(), int64(addr)); err != nil {
		return fmt.Errorf("write boot info at %#x: %w", addr, err)
	}
	return nil
}

// WriteMemoryMap stores m at MemoryMapAddress(Base).
func (b *Builder) WriteMemoryMap(m MemoryMap) error {
	addr := MemoryMapAddress(b.base)
	if _, err := b.mem.WriteAt(m.encode(), int64(addr)); err != nil {
		return fmt.Errorf("write memory map handoff at %#x: %w", addr, err)
	}
	return nil
}

// ReadBootInfo reads BootInfo the way a kernel loaded at base would.
func ReadBootInfo(mem io.ReaderAt, base uint64) (BootInfo, error) {
	buf := make([]byte, BootInfoSize)
	if _, err := mem.ReadAt(buf, int64(BootInfoAddress(base))); err != nil {
		return BootInfo{}, fmt.Errorf("read boot info: %w", err)
	}
	le := binary.LittleEndian
	return BootInfo{
		Width:             le.Uint32(buf[0:4]),
		Height:            le.Uint32(buf[4:8]),
		PixelsPerScanLine: le.Uint32(buf[8:12]),
		FrameBuffer:       le.Uint64(buf[16:24]),
		PixelFormat:       efi.PixelFormat(le.Uint32(buf[24:28])),
	}, nil
}

// ReadMemoryMap reads MemoryMap the way a kernel loaded at base would.
func ReadMemoryMap(mem io.ReaderAt, base uint64) (MemoryMap, error) {
	buf := make([]byte, MemoryMapSize)
	if _, err := mem.ReadAt(buf, int64(MemoryMapAddress(base))); err != nil {
		return MemoryMap{}, fmt.Errorf("read memory map handoff: %w", err)
	}
	le := binary.LittleEndian
	return MemoryMap{
		DescriptorSize: le.Uint64(buf[0:8]),
		Entries:        le.Uint64(buf[8:16]),
		Map:            le.Uint64(buf[16:24]),
	}, nil
}

// Descriptors decodes the firmware memory map m points at.
func (m MemoryMap) Descriptors(mem io.ReaderAt) ([]efi.MemoryDescriptor, error) {
	if m.Entries > 0 && m.DescriptorSize < efi.MemoryDescriptorSize {
		return nil, fmt.Errorf("descriptor size %d smaller than %d", m.DescriptorSize, efi.MemoryDescriptorSize)
	}
	out := make([]efi.MemoryDescriptor, 0, m.Entries)
	buf := make([]byte, m.DescriptorSize)
	for i := uint64(0); i < m.Entries; i++ {
		if _, err := mem.ReadAt(buf, int64(m.Map+i*m.DescriptorSize)); err != nil {
			return nil, fmt.Errorf("read descriptor %d: %w", i, err)
		}
		d, err := efi.DecodeMemoryDescriptor(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
