// Package loader places the loadable segments of a validated kernel image
// at their physical addresses.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/zenith/internal/display"
	"github.com/tinyrange/zenith/internal/efi"
	"github.com/tinyrange/zenith/internal/handoff"
	"github.com/tinyrange/zenith/internal/kernelimage"
)

var (
	ErrCorrupt           = errors.New("could not read the whole segment, file is corrupted")
	ErrSegmentSize       = errors.New("segment file size exceeds memory size, file is corrupted")
	ErrBadMagic          = errors.New("kernel boot magic number is wrong, it must be \"" + handoff.Magic + "\"")
	ErrNoLoadableSegment = errors.New("kernel has no loadable segment")
)

const (
	WarnWX       = "Segment is against W^X policy"
	WarnZeroFill = "segment memory size is larger than file size, zeroing extra memory"
)

// chunkSize bounds the host buffer used while copying segment data.
const chunkSize = 1 << 20

// Warner records a non-fatal condition.
type Warner interface {
	Warn(msg string)
}

// Segment is a loaded PT_LOAD row.
type Segment struct {
	Index  int
	Header kernelimage.ProgramHeader
	Region efi.Region
}

// Zeroed returns the number of bytes past the file data that were cleared.
func (s Segment) Zeroed() uint64 { return s.Header.Memsz - s.Header.Filesz }

// Result is what the loader leaves behind for the rest of the boot.
type Result struct {
	Segments []Segment
	Mode     display.Mode
	Handoff  *handoff.Builder
}

// SegmentLoader maps kernel segments into physical memory.
type SegmentLoader struct {
	Services efi.BootServices
	Memory   efi.PhysicalMemory
	Graphics efi.GraphicsOutput
	Warn     Warner

	// OnSegment is called after each segment is loaded.
	OnSegment func(seg Segment)
}

type zeroer interface {
	Zero(addr, size uint64) error
}

// Load walks the program header table of h, reading rows and segment data
// from f. The first loadable segment must start with handoff.Magic; once it
// is loaded the display mode is negotiated and the boot info recorded.
func (l *SegmentLoader) Load(f efi.File, h *kernelimage.Header) (*Result, error) {
	res := &Result{}
	row := make([]byte, h.Phentsize)

	for i := 0; i < int(h.Phnum); i++ {
		if err := f.SetPosition(h.ProgramHeaderOffset(i)); err != nil {
			return nil, fmt.Errorf("seek to program header %d: %w", i, err)
		}
		n, err := f.Read(row)
		if err != nil {
			return nil, fmt.Errorf("read program header %d: %w", i, err)
		}
		if n != len(row) {
			return nil, fmt.Errorf("program header %d: read %d of %d bytes: %w", i, n, len(row), ErrCorrupt)
		}
		ph, err := kernelimage.DecodeProgramHeader(row)
		if err != nil {
			return nil, fmt.Errorf("program header %d: %w", i, err)
		}
		if !ph.Loadable() {
			continue
		}

		seg, err := l.loadSegment(f, i, ph)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}

		if len(res.Segments) == 0 {
			if err := l.prepareHandoff(res, seg); err != nil {
				return nil, err
			}
		}
		res.Segments = append(res.Segments, seg)

		if l.OnSegment != nil {
			l.OnSegment(seg)
		}
	}

	if len(res.Segments) == 0 {
		return nil, ErrNoLoadableSegment
	}
	return res, nil
}

func (l *SegmentLoader) loadSegment(f efi.File, index int, ph kernelimage.ProgramHeader) (Segment, error) {
	memType := efi.LoaderData
	if ph.Executable() {
		if ph.Writable() {
			l.warn(WarnWX)
		}
		memType = efi.LoaderCode
	}
	if ph.Filesz > ph.Memsz {
		return Segment{}, fmt.Errorf("%w: filesz %#x > memsz %#x", ErrSegmentSize, ph.Filesz, ph.Memsz)
	}

	seg := Segment{Index: index, Header: ph}
	if ph.Memsz == 0 {
		return seg, nil
	}

	region, err := l.Services.AllocatePages(efi.AllocateAddress, memType, efi.SizeToPages(ph.Memsz), ph.Paddr)
	if err != nil {
		return Segment{}, fmt.Errorf("allocate %d pages at %#x: %w", efi.SizeToPages(ph.Memsz), ph.Paddr, err)
	}
	seg.Region = region
	slog.Debug("allocated segment pages", "index", index, "base", region.Base, "pages", region.Pages, "type", memType)

	if err := l.zero(ph.Paddr, ph.Memsz); err != nil {
		return Segment{}, fmt.Errorf("zero segment memory: %w", err)
	}

	if ph.Filesz == 0 {
		return seg, nil
	}
	if err := f.SetPosition(ph.Off); err != nil {
		return Segment{}, fmt.Errorf("seek to segment data at %#x: %w", ph.Off, err)
	}
	if err := l.copyFromFile(f, ph.Paddr, ph.Filesz); err != nil {
		return Segment{}, err
	}
	if ph.Filesz < ph.Memsz {
		l.warn(WarnZeroFill)
	}
	return seg, nil
}

func (l *SegmentLoader) prepareHandoff(res *Result, seg Segment) error {
	base := seg.Header.Paddr
	magic := make([]byte, len(handoff.Magic))
	if seg.Header.Memsz < uint64(len(magic)) {
		return ErrBadMagic
	}
	if _, err := l.Memory.ReadAt(magic, int64(base)); err != nil {
		return fmt.Errorf("read boot magic: %w", err)
	}
	if !bytes.Equal(magic, []byte(handoff.Magic)) {
		return fmt.Errorf("%w: found %q", ErrBadMagic, magic)
	}

	mode, err := display.Negotiate(l.Graphics)
	if err != nil {
		return err
	}

	b := handoff.NewBuilder(l.Memory, base)
	if err := b.WriteBootInfo(handoff.BootInfo{
		Width:             mode.Info.HorizontalResolution,
		Height:            mode.Info.VerticalResolution,
		PixelsPerScanLine: mode.Info.PixelsPerScanLine,
		FrameBuffer:       mode.FrameBuffer,
		PixelFormat:       mode.Info.PixelFormat,
	}); err != nil {
		return err
	}

	res.Mode = mode
	res.Handoff = b
	return nil
}

func (l *SegmentLoader) zero(addr, size uint64) error {
	if z, ok := l.Memory.(zeroer); ok {
		return z.Zero(addr, size)
	}
	buf := make([]byte, min(size, chunkSize))
	for off := uint64(0); off < size; {
		n := min(size-off, uint64(len(buf)))
		if _, err := l.Memory.WriteAt(buf[:n], int64(addr+off)); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func (l *SegmentLoader) copyFromFile(f efi.File, addr, size uint64) error {
	buf := make([]byte, min(size, chunkSize))
	for off := uint64(0); off < size; {
		want := min(size-off, uint64(len(buf)))
		n, err := f.Read(buf[:want])
		if err != nil {
			return fmt.Errorf("read segment data: %w", err)
		}
		if n > 0 {
			if _, err := l.Memory.WriteAt(buf[:n], int64(addr+off)); err != nil {
				return fmt.Errorf("write segment data at %#x: %w", addr+off, err)
			}
		}
		off += uint64(n)
		if uint64(n) < want {
			return fmt.Errorf("read %#x of %#x bytes: %w", off, size, ErrCorrupt)
		}
	}
	return nil
}

func (l *SegmentLoader) warn(msg string) {
	if l.Warn != nil {
		l.Warn.Warn(msg)
	}
}
