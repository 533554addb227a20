package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/tinyrange/zenith/internal/display"
	"github.com/tinyrange/zenith/internal/efi"
	"github.com/tinyrange/zenith/internal/efi/emu"
	"github.com/tinyrange/zenith/internal/handoff"
	"github.com/tinyrange/zenith/internal/kernelimage"
	"github.com/tinyrange/zenith/internal/kernelimage/imagetest"
)

type warnings []string

func (w *warnings) Warn(msg string) { *w = append(*w, msg) }

var vga = efi.ModeInfo{
	HorizontalResolution: 640,
	VerticalResolution:   480,
	PixelFormat:          efi.BlueGreenRedReserved8BitPerColor,
	PixelsPerScanLine:    640,
}

type fixture struct {
	m    *emu.Machine
	f    efi.File
	h    *kernelimage.Header
	warn warnings
	l    *SegmentLoader
}

func setup(t *testing.T, img imagetest.Image) *fixture {
	t.Helper()
	m, err := emu.New(emu.Config{
		MemorySize:  0x800000,
		Modes:       []efi.ModeInfo{vga},
		FrameBuffer: 0xc0000000,
		Volume:      fstest.MapFS{"kernel.elf": {Data: img.Bytes()}},
	})
	if err != nil {
		t.Fatalf("emu.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	fsys, err := m.LocateFileSystem()
	if err != nil {
		t.Fatalf("LocateFileSystem: %v", err)
	}
	root, err := fsys.OpenVolume()
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	f, err := root.Open(`\kernel.elf`, efi.FileModeRead, efi.FileReadOnly)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h, _, err := kernelimage.ReadHeader(f)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}

	fx := &fixture{m: m, f: f, h: h}
	gop, err := m.LocateGraphicsOutput()
	if err != nil {
		t.Fatalf("LocateGraphicsOutput: %v", err)
	}
	fx.l = &SegmentLoader{
		Services: m,
		Memory:   m.Memory(),
		Graphics: gop,
		Warn:     &fx.warn,
	}
	return fx
}

func read(t *testing.T, m *emu.Machine, addr, size uint64) []byte {
	t.Helper()
	buf, err := m.Arena().Slice(addr, size)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	return buf
}

func TestLoadZeroFillsTail(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 100)
	copy(payload, imagetest.Magic)
	img := imagetest.Image{Segments: []imagetest.Segment{{
		Type:  elf.PT_LOAD,
		Flags: elf.PF_R,
		Paddr: 0x100000,
		Data:  payload,
		Memsz: 200,
	}}}
	fx := setup(t, img)

	// Dirty the target so the zero fill is observable.
	if _, err := fx.m.Arena().WriteAt(bytes.Repeat([]byte{0xff}, 0x1000), 0x100000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	res, err := fx.l.Load(fx.f, fx.h)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Segments) != 1 {
		t.Fatalf("loaded %d segments, want 1", len(res.Segments))
	}

	mem := read(t, fx.m, 0x100000, 200)
	bootInfo := handoff.BootInfoAddress(0x100000) - 0x100000
	for i := uint64(0); i < 100; i++ {
		if i >= bootInfo && i < bootInfo+handoff.BootInfoSize {
			continue
		}
		if mem[i] != payload[i] {
			t.Fatalf("byte %d = %#x, want file byte %#x", i, mem[i], payload[i])
		}
	}
	for i := 100; i < 200; i++ {
		if mem[i] != 0 {
			t.Fatalf("byte %d = %#x, want zero", i, mem[i])
		}
	}

	reqs := fx.m.PageRequests()
	if len(reqs) != 1 {
		t.Fatalf("page requests = %+v", reqs)
	}
	if reqs[0].Kind != efi.AllocateAddress || reqs[0].Addr != 0x100000 || reqs[0].Pages != 1 || reqs[0].Type != efi.LoaderData {
		t.Fatalf("page request = %+v", reqs[0])
	}
	if len(fx.warn) != 1 || fx.warn[0] != WarnZeroFill {
		t.Fatalf("warnings = %q", fx.warn)
	}
}

func TestLoadExecutableSegmentUsesLoaderCode(t *testing.T) {
	fx := setup(t, imagetest.Kernel(0x200000, []byte("code"), 0))
	if _, err := fx.l.Load(fx.f, fx.h); err != nil {
		t.Fatalf("Load: %v", err)
	}
	reqs := fx.m.PageRequests()
	if len(reqs) != 1 || reqs[0].Type != efi.LoaderCode {
		t.Fatalf("page requests = %+v", reqs)
	}
	if len(fx.warn) != 0 {
		t.Fatalf("unexpected warnings %q", fx.warn)
	}
}

func TestLoadWXWarnsOnce(t *testing.T) {
	img := imagetest.Kernel(0x200000, nil, 0)
	img.Segments[0].Flags = elf.PF_R | elf.PF_W | elf.PF_X
	fx := setup(t, img)

	if _, err := fx.l.Load(fx.f, fx.h); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(fx.warn) != 1 || fx.warn[0] != WarnWX {
		t.Fatalf("warnings = %q, want one W^X warning", fx.warn)
	}
}

func TestLoadWritesBootInfo(t *testing.T) {
	fx := setup(t, imagetest.Kernel(0x100000, nil, 0x3000))
	res, err := fx.l.Load(fx.f, fx.h)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Handoff == nil || res.Handoff.Base() != 0x100000 {
		t.Fatalf("handoff builder = %+v", res.Handoff)
	}
	if res.Mode.Index != 0 {
		t.Fatalf("mode = %+v", res.Mode)
	}

	info, err := handoff.ReadBootInfo(fx.m.Memory(), 0x100000)
	if err != nil {
		t.Fatalf("ReadBootInfo: %v", err)
	}
	want := handoff.BootInfo{
		Width:             640,
		Height:            480,
		PixelsPerScanLine: 640,
		FrameBuffer:       0xc0000000,
		PixelFormat:       efi.BlueGreenRedReserved8BitPerColor,
	}
	if info != want {
		t.Fatalf("boot info = %+v, want %+v", info, want)
	}
	if got := read(t, fx.m, 0x100000, 4); string(got) != imagetest.Magic {
		t.Fatalf("magic overwritten: %q", got)
	}
}

func TestLoadBadMagic(t *testing.T) {
	img := imagetest.Kernel(0x100000, nil, 0)
	copy(img.Segments[0].Data, "ZEN2")
	fx := setup(t, img)

	_, err := fx.l.Load(fx.f, fx.h)
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestLoadSkipsNonLoadableRows(t *testing.T) {
	kernel := imagetest.Kernel(0x100000, nil, 0)
	img := imagetest.Image{
		Entry: kernel.Entry,
		Segments: []imagetest.Segment{
			{Type: elf.PT_NOTE, Paddr: 0x50000, Data: []byte("note")},
			kernel.Segments[0],
			{Type: elf.PT_GNU_STACK, Flags: elf.PF_R | elf.PF_W},
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Paddr: 0x300000, Data: []byte("data"), Memsz: 0x2000},
		},
	}
	fx := setup(t, img)

	var reported []int
	fx.l.OnSegment = func(seg Segment) { reported = append(reported, seg.Index) }

	res, err := fx.l.Load(fx.f, fx.h)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Segments) != 2 || res.Segments[0].Index != 1 || res.Segments[1].Index != 3 {
		t.Fatalf("segments = %+v", res.Segments)
	}
	if len(reported) != 2 || reported[0] != 1 || reported[1] != 3 {
		t.Fatalf("reported = %v", reported)
	}
	reqs := fx.m.PageRequests()
	if len(reqs) != 2 || reqs[0].Addr != 0x100000 || reqs[1].Addr != 0x300000 || reqs[1].Pages != 2 {
		t.Fatalf("page requests = %+v", reqs)
	}
	if res.Handoff.Base() != 0x100000 {
		t.Fatalf("handoff base = %#x, want the first loadable segment", res.Handoff.Base())
	}
	if res.Segments[1].Zeroed() != 0x2000-4 {
		t.Fatalf("zeroed = %#x", res.Segments[1].Zeroed())
	}
}

func TestLoadZeroFileSizeSegment(t *testing.T) {
	kernel := imagetest.Kernel(0x100000, nil, 0)
	zero := uint64(0)
	kernel.Segments = append(kernel.Segments, imagetest.Segment{
		Type:   elf.PT_LOAD,
		Flags:  elf.PF_R | elf.PF_W,
		Paddr:  0x400000,
		Memsz:  0x1800,
		Filesz: &zero,
	})
	fx := setup(t, kernel)

	if _, err := fx.l.Load(fx.f, fx.h); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(fx.warn) != 0 {
		t.Fatalf("zero file size segment warned: %q", fx.warn)
	}
	for i, b := range read(t, fx.m, 0x400000, 0x1800) {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want zero", i, b)
		}
	}
}

func TestLoadFileSizeExceedsMemSize(t *testing.T) {
	img := imagetest.Kernel(0x100000, nil, 0)
	img.Segments[0].Memsz = 16
	fx := setup(t, img)

	_, err := fx.l.Load(fx.f, fx.h)
	if !errors.Is(err, ErrSegmentSize) {
		t.Fatalf("err = %v, want ErrSegmentSize", err)
	}
	if errors.Is(err, ErrCorrupt) {
		t.Fatalf("size mismatch reported as a short read")
	}
	if n := len(fx.m.PageRequests()); n != 0 {
		t.Fatalf("%d page requests issued for a corrupt segment", n)
	}
}

func TestLoadShortSegmentRead(t *testing.T) {
	img := imagetest.Kernel(0x100000, bytes.Repeat([]byte{1}, 0x100), 0)
	full := len(img.Bytes())
	img.Truncate = full - 0x40
	fx := setup(t, img)

	_, err := fx.l.Load(fx.f, fx.h)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestLoadShortProgramHeaderRead(t *testing.T) {
	img := imagetest.Kernel(0x100000, nil, 0)
	img.Truncate = kernelimage.HeaderSize + 10
	fx := setup(t, img)

	_, err := fx.l.Load(fx.f, fx.h)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	if n := len(fx.m.PageRequests()); n != 0 {
		t.Fatalf("%d page requests issued", n)
	}
}

func TestLoadAllocationFailurePropagates(t *testing.T) {
	fx := setup(t, imagetest.Kernel(0x100000, nil, 0))
	if _, err := fx.m.AllocatePages(efi.AllocateAddress, efi.BootServicesData, 1, 0x100000); err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}

	_, err := fx.l.Load(fx.f, fx.h)
	var st efi.Status
	if !errors.As(err, &st) || st != efi.NotFound {
		t.Fatalf("err = %v, want NotFound status", err)
	}
}

func TestLoadNoDisplayMode(t *testing.T) {
	fx := setup(t, imagetest.Kernel(0x100000, nil, 0))
	m, err := emu.New(emu.Config{
		MemorySize: 0x100000,
		Modes:      []efi.ModeInfo{{HorizontalResolution: 800, VerticalResolution: 600}},
	})
	if err != nil {
		t.Fatalf("emu.New: %v", err)
	}
	defer m.Close()
	gop, _ := m.LocateGraphicsOutput()
	fx.l.Graphics = gop

	if _, err := fx.l.Load(fx.f, fx.h); !errors.Is(err, display.ErrNoMode) {
		t.Fatalf("err = %v, want ErrNoMode", err)
	}
}

func TestLoadNoLoadableSegment(t *testing.T) {
	img := imagetest.Image{Segments: []imagetest.Segment{{Type: elf.PT_NOTE, Data: []byte("x")}}}
	fx := setup(t, img)
	if _, err := fx.l.Load(fx.f, fx.h); !errors.Is(err, ErrNoLoadableSegment) {
		t.Fatalf("err = %v, want ErrNoLoadableSegment", err)
	}
}
