// Package emu is an emulated firmware that implements efi.Platform over a
// physmem arena.
//
// A boot attempt runs on its own goroutine (see Run) so that the
// non-returning Enter call can end it without returning to the loader.
package emu

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"runtime"
	"sort"

	"github.com/tinyrange/zenith/internal/efi"
	"github.com/tinyrange/zenith/internal/physmem"
)

const (
	DefaultDescriptorSize = 48
	descriptorVersion     = 1

	// defaultAttribute is UC|WC|WT|WB.
	defaultAttribute = 0xf
)

// Config describes the emulated machine.
type Config struct {
	MemoryBase uint64
	MemorySize uint64

	// Reserved ranges are firmware owned from power on.
	Reserved []efi.Region

	// DescriptorSize is the reported memory descriptor stride.
	DescriptorSize uint64

	Modes       []efi.ModeInfo
	FrameBuffer uint64
	// QueryFailures makes QueryMode fail for the listed modes.
	QueryFailures map[uint32]efi.Status
	NoGraphics    bool

	// Volume is the boot volume. A nil Volume means the loader image has
	// no file system.
	Volume fs.FS

	Console efi.Console

	// Kernel runs in place of the loaded code when Enter is called.
	Kernel func(k *KernelContext)
}

// PageRequest records one AllocatePages call.
type PageRequest struct {
	Kind   efi.AllocateType
	Type   efi.MemoryType
	Pages  uint64
	Addr   uint64
	Status efi.Status
}

// KernelContext is what the kernel stand-in sees after the jump.
type KernelContext struct {
	Entry efi.EntryPoint
	// LoadBase is the base of the first fixed-address page allocation.
	LoadBase uint64
	Memory   efi.PhysicalMemory
	Machine  *Machine
}

// Machine is an emulated firmware instance.
type Machine struct {
	cfg Config
	mem *physmem.Arena

	regions []efi.Region
	key     efi.MapKey
	exited  bool
	running bool

	console *gatedConsole
	gop     *graphicsOutput

	pageRequests []PageRequest
	poolRequests []uint64
	mapCalls     int
	exitCalls    int
	entries      []efi.EntryPoint
	openFiles    int
}

var _ efi.Platform = (*Machine)(nil)

// New creates a machine with zeroed RAM.
func New(cfg Config) (*Machine, error) {
	if cfg.DescriptorSize == 0 {
		cfg.DescriptorSize = DefaultDescriptorSize
	}
	if cfg.DescriptorSize < efi.MemoryDescriptorSize {
		return nil, fmt.Errorf("emu: descriptor size %d smaller than %d", cfg.DescriptorSize, efi.MemoryDescriptorSize)
	}
	if cfg.MemoryBase%efi.PageSize != 0 || cfg.MemorySize%efi.PageSize != 0 {
		return nil, fmt.Errorf("emu: memory [%#x, +%#x) is not page aligned", cfg.MemoryBase, cfg.MemorySize)
	}
	mem, err := physmem.New(cfg.MemoryBase, cfg.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("emu: %w", err)
	}

	m := &Machine{cfg: cfg, mem: mem}
	for _, r := range cfg.Reserved {
		if !m.free(r.Base, r.Pages) {
			mem.Close()
			return nil, fmt.Errorf("emu: reserved range [%#x, %#x) overlaps RAM bounds or another reservation", r.Base, r.End())
		}
		m.insert(r)
	}

	console := cfg.Console
	if console == nil {
		console = NullConsole{}
	}
	m.console = &gatedConsole{m: m, inner: console}
	m.gop = &graphicsOutput{m: m}
	return m, nil
}

// Close releases the machine's RAM.
func (m *Machine) Close() error {
	return m.mem.Close()
}

// Arena returns the machine's RAM.
func (m *Machine) Arena() *physmem.Arena { return m.mem }

// Memory implements efi.Platform.
func (m *Machine) Memory() efi.PhysicalMemory { return m.mem }

// Console implements efi.Platform.
func (m *Machine) Console() efi.Console { return m.console }

// LocateGraphicsOutput implements efi.Platform.
func (m *Machine) LocateGraphicsOutput() (efi.GraphicsOutput, error) {
	if m.exited {
		return nil, efi.Unsupported
	}
	if m.cfg.NoGraphics {
		return nil, efi.NotFound
	}
	return m.gop, nil
}

// LocateFileSystem implements efi.Platform.
func (m *Machine) LocateFileSystem() (efi.FileSystem, error) {
	if m.exited {
		return nil, efi.Unsupported
	}
	if m.cfg.Volume == nil {
		return nil, efi.Unsupported
	}
	return &volume{m: m, fsys: m.cfg.Volume}, nil
}

// AllocatePages implements efi.BootServices.
func (m *Machine) AllocatePages(kind efi.AllocateType, memType efi.MemoryType, pages uint64, addr uint64) (efi.Region, error) {
	region, err := m.allocatePages(kind, memType, pages, addr)
	req := PageRequest{Kind: kind, Type: memType, Pages: pages, Addr: addr}
	if err != nil {
		req.Status = statusOf(err)
	}
	m.pageRequests = append(m.pageRequests, req)
	return region, err
}

func (m *Machine) allocatePages(kind efi.AllocateType, memType efi.MemoryType, pages uint64, addr uint64) (efi.Region, error) {
	if m.exited {
		return efi.Region{}, efi.Unsupported
	}
	if pages == 0 {
		return efi.Region{}, efi.InvalidParameter
	}

	var base uint64
	switch kind {
	case efi.AllocateAddress:
		if addr%efi.PageSize != 0 {
			return efi.Region{}, efi.InvalidParameter
		}
		if !m.free(addr, pages) {
			return efi.Region{}, efi.NotFound
		}
		base = addr
	case efi.AllocateAnyPages:
		var ok bool
		if base, ok = m.findFree(pages, m.mem.End()); !ok {
			return efi.Region{}, efi.OutOfResources
		}
	case efi.AllocateMaxAddress:
		var ok bool
		if base, ok = m.findFree(pages, addr+1); !ok {
			return efi.Region{}, efi.NotFound
		}
	default:
		return efi.Region{}, efi.InvalidParameter
	}

	region := efi.Region{Base: base, Pages: pages, Type: memType}
	m.insert(region)
	m.key++
	slog.Debug("emu: allocate pages", "base", region.Base, "pages", pages, "type", memType, "key", m.key)
	return region, nil
}

// AllocatePool implements efi.BootServices. Pool memory is carved from the
// highest free pages.
func (m *Machine) AllocatePool(memType efi.MemoryType, size uint64) (uint64, error) {
	if m.exited {
		return 0, efi.Unsupported
	}
	if size == 0 {
		return 0, efi.InvalidParameter
	}
	m.poolRequests = append(m.poolRequests, size)
	pages := efi.SizeToPages(size)
	base, ok := m.findFree(pages, m.mem.End())
	if !ok {
		return 0, efi.OutOfResources
	}
	m.insert(efi.Region{Base: base, Pages: pages, Type: memType})
	m.key++
	slog.Debug("emu: allocate pool", "base", base, "size", size, "key", m.key)
	return base, nil
}

// GetMemoryMap implements efi.BootServices.
func (m *Machine) GetMemoryMap(buf uint64, size uint64) (efi.MemoryMap, error) {
	if m.exited {
		return efi.MemoryMap{}, efi.Unsupported
	}
	m.mapCalls++

	descs := m.descriptors()
	stride := m.cfg.DescriptorSize
	out := efi.MemoryMap{
		Size:              uint64(len(descs)) * stride,
		Key:               m.key,
		DescriptorSize:    stride,
		DescriptorVersion: descriptorVersion,
	}
	if size < out.Size {
		return out, efi.BufferTooSmall
	}
	dst, err := m.mem.Slice(buf, out.Size)
	if err != nil || buf == 0 {
		return efi.MemoryMap{}, efi.InvalidParameter
	}
	clear(dst)
	for i, d := range descs {
		d.Encode(dst[uint64(i)*stride:])
	}
	return out, nil
}

// ExitBootServices implements efi.BootServices.
func (m *Machine) ExitBootServices(key efi.MapKey) error {
	m.exitCalls++
	if m.exited {
		return efi.Unsupported
	}
	if key != m.key {
		slog.Debug("emu: stale map key", "got", key, "want", m.key)
		return efi.InvalidParameter
	}
	m.exited = true
	return nil
}

// Enter implements efi.Transfer. It runs the configured kernel stand-in and
// then ends the boot goroutine; it must only be reached from Run.
func (m *Machine) Enter(entry efi.EntryPoint) {
	if !m.running {
		panic("emu: Enter called outside Machine.Run")
	}
	m.entries = append(m.entries, entry)
	if m.cfg.Kernel != nil {
		m.cfg.Kernel(&KernelContext{
			Entry:    entry,
			LoadBase: m.loadBase(),
			Memory:   m.mem,
			Machine:  m,
		})
	}
	runtime.Goexit()
}

// Outcome is the result of Run.
type Outcome struct {
	// Returned is true when the boot function returned.
	Returned bool
	Err      error
	// Entered is true when control passed to the kernel.
	Entered bool
	Entry   efi.EntryPoint
	Panic   any
}

// Run executes boot against the machine and waits for it to either return
// or hand off to the kernel.
func (m *Machine) Run(boot func(p efi.Platform) error) Outcome {
	done := make(chan Outcome, 1)
	m.running = true
	go func() {
		var out Outcome
		defer func() {
			out.Panic = recover()
			if n := len(m.entries); n > 0 {
				out.Entered = true
				out.Entry = m.entries[n-1]
			}
			done <- out
		}()
		out.Err = boot(m)
		out.Returned = true
	}()
	out := <-done
	m.running = false
	return out
}

// Exited reports whether boot services were terminated.
func (m *Machine) Exited() bool { return m.exited }

// PageRequests returns every AllocatePages call in order.
func (m *Machine) PageRequests() []PageRequest { return m.pageRequests }

// PoolRequests returns the size of every AllocatePool call in order.
func (m *Machine) PoolRequests() []uint64 { return m.poolRequests }

// MemoryMapCalls returns how many times GetMemoryMap was called.
func (m *Machine) MemoryMapCalls() int { return m.mapCalls }

// ExitCalls returns how many times ExitBootServices was called.
func (m *Machine) ExitCalls() int { return m.exitCalls }

// Entries returns every entry point control was transferred to.
func (m *Machine) Entries() []efi.EntryPoint { return m.entries }

// OpenFiles returns the number of file handles not yet closed.
func (m *Machine) OpenFiles() int { return m.openFiles }

// CurrentMode returns the active graphics mode and whether one was set.
func (m *Machine) CurrentMode() (uint32, bool) { return m.gop.current, m.gop.set }

// LateConsoleCalls returns the number of console calls made after boot
// services exited.
func (m *Machine) LateConsoleCalls() int { return m.console.late }

// Regions returns the allocated and reserved ranges sorted by address.
func (m *Machine) Regions() []efi.Region {
	return append([]efi.Region(nil), m.regions...)
}

func (m *Machine) loadBase() uint64 {
	for _, req := range m.pageRequests {
		if req.Kind == efi.AllocateAddress && req.Status == efi.Success {
			return req.Addr
		}
	}
	return 0
}

// free reports whether [base, base+pages) is RAM not owned by any region.
func (m *Machine) free(base, pages uint64) bool {
	size := pages * efi.PageSize
	if size/efi.PageSize != pages || !m.mem.Contains(base, size) {
		return false
	}
	for _, r := range m.regions {
		if base < r.End() && r.Base < base+size {
			return false
		}
	}
	return true
}

// findFree returns the highest page range of the given length ending at or
// below limit.
func (m *Machine) findFree(pages, limit uint64) (uint64, bool) {
	size := pages * efi.PageSize
	if size/efi.PageSize != pages {
		return 0, false
	}
	end := min(limit, m.mem.End()) &^ (efi.PageSize - 1)
	for i := len(m.regions); i >= 0; i-- {
		gapStart := m.mem.Base()
		if i > 0 {
			gapStart = m.regions[i-1].End()
		}
		gapEnd := m.mem.End()
		if i < len(m.regions) {
			gapEnd = m.regions[i].Base
		}
		gapEnd = min(gapEnd, end)
		if gapEnd > gapStart && gapEnd-gapStart >= size {
			return gapEnd - size, true
		}
	}
	return 0, false
}

func (m *Machine) insert(r efi.Region) {
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
}

// descriptors builds the memory map: owned regions plus conventional memory
// in the gaps, with adjacent ranges of the same type merged.
func (m *Machine) descriptors() []efi.MemoryDescriptor {
	var out []efi.MemoryDescriptor
	add := func(t efi.MemoryType, base, end uint64) {
		if end <= base {
			return
		}
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Type == t && last.PhysicalStart+last.NumberOfPages*efi.PageSize == base {
				last.NumberOfPages += (end - base) / efi.PageSize
				return
			}
		}
		out = append(out, efi.MemoryDescriptor{
			Type:          t,
			PhysicalStart: base,
			NumberOfPages: (end - base) / efi.PageSize,
			Attribute:     defaultAttribute,
		})
	}

	cursor := m.mem.Base()
	for _, r := range m.regions {
		add(efi.ConventionalMemory, cursor, r.Base)
		add(r.Type, r.Base, r.End())
		cursor = r.End()
	}
	add(efi.ConventionalMemory, cursor, m.mem.End())
	return out
}

func statusOf(err error) efi.Status {
	var st efi.Status
	if errors.As(err, &st) {
		return st
	}
	return efi.DeviceError
}
