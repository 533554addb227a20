// Package boot runs a complete boot attempt: it finds the kernel on the
// boot volume, loads it, hands the display and memory map to it, leaves
// firmware services and jumps to the kernel entry point.
package boot

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/zenith/internal/efi"
	"github.com/tinyrange/zenith/internal/handoff"
	"github.com/tinyrange/zenith/internal/kernelimage"
	"github.com/tinyrange/zenith/internal/loader"
)

// DefaultKernelPath is where the kernel lives on the boot volume.
const DefaultKernelPath = `\kernel.elf`

const warnShortHeader = "Could not read the entire ELF header, This may lead to corruption of the staged kernel."

// Options control reporting. None of them change what is loaded.
type Options struct {
	// KernelPath overrides DefaultKernelPath.
	KernelPath string
	// Quiet suppresses the banner, warnings and progress output. Errors
	// are always reported.
	Quiet bool
	// Pause waits for a key after an error and before leaving firmware
	// services.
	Pause bool
	// OnStage is called as each stage begins.
	OnStage func(s Stage)
}

// Sequencer drives one boot attempt. It is not reusable.
type Sequencer struct {
	p    efi.Platform
	opts Options
	rep  reporter

	stage    Stage
	warnings Warnings

	gop    efi.GraphicsOutput
	root   efi.File
	kernel efi.File
	header *kernelimage.Header
	loaded *loader.Result
}

// New returns a sequencer for p.
func New(p efi.Platform, opts Options) *Sequencer {
	if opts.KernelPath == "" {
		opts.KernelPath = DefaultKernelPath
	}
	s := &Sequencer{
		p:    p,
		opts: opts,
		rep:  reporter{con: p.Console(), quiet: opts.Quiet, pause: opts.Pause},
	}
	s.warnings.OnWarn = s.rep.warn
	return s
}

// Boot runs a boot attempt on p. See Sequencer.Boot.
func Boot(p efi.Platform, opts Options) error {
	return New(p, opts).Boot()
}

// Stage returns the stage the sequencer is in.
func (s *Sequencer) Stage() Stage { return s.stage }

// Warnings returns the warnings recorded so far.
func (s *Sequencer) Warnings() *Warnings { return &s.warnings }

// Boot runs every stage in order. It only returns on failure, with an
// *Error; on success control passes to the kernel and Boot never returns.
func (s *Sequencer) Boot() error {
	defer s.closeFiles()

	s.notify()
	s.rep.banner()

	s.advance(StageLocateDisplay)
	gop, err := s.p.LocateGraphicsOutput()
	if err != nil {
		return s.fail("getGOP()", err)
	}
	s.gop = gop

	s.advance(StageLocateVolume)
	fsys, err := s.p.LocateFileSystem()
	if err != nil {
		return s.fail("getFS()", err)
	}
	root, err := fsys.OpenVolume()
	if err != nil {
		return s.fail("fs->OpenVolume()", err)
	}
	s.root = root

	s.advance(StageOpenKernelFile)
	kernel, err := root.Open(s.opts.KernelPath, efi.FileModeRead, efi.FileReadOnly)
	if err != nil {
		return s.fail(fmt.Sprintf("root->Open(%q)", s.opts.KernelPath), err)
	}
	s.kernel = kernel

	s.advance(StageReadHeader)
	header, short, err := kernelimage.ReadHeader(kernel)
	if err != nil {
		return s.fail("kernel->Read()", err)
	}
	if short {
		s.warnings.Warn(warnShortHeader)
	}
	s.header = header

	s.advance(StageValidateHeader)
	if err := kernelimage.Validate(header); err != nil {
		return s.fail("validate kernel header", err)
	}

	s.advance(StageLoadSegments)
	l := &loader.SegmentLoader{
		Services:  s.p,
		Memory:    s.p.Memory(),
		Graphics:  s.gop,
		Warn:      &s.warnings,
		OnSegment: s.rep.segment,
	}
	loaded, err := l.Load(kernel, header)
	if err != nil {
		return s.fail("load kernel segments", err)
	}
	s.loaded = loaded
	s.closeFiles()

	s.rep.cleanup(s.warnings.Count())

	s.advance(StageSelectDisplayMode)
	if err := s.gop.SetMode(loaded.Mode.Index); err != nil {
		return s.fail("gop->SetMode()", err)
	}

	s.advance(StageCaptureMemoryMap)
	key, err := s.captureMemoryMap()
	if err != nil {
		return err
	}

	s.advance(StageExitFirmwareServices)
	if err := s.p.ExitBootServices(key); err != nil {
		return s.fail("ExitBootServices()", err)
	}

	// Nothing below can be reported.
	s.advance(StageHandoff)
	s.p.Enter(efi.EntryPoint(header.Entry))

	panic(errKernelReturned)
}

// captureMemoryMap sizes the map, allocates a buffer with room for the
// descriptors the allocation itself adds, captures the final map and
// records it for the kernel. The returned key is only valid if nothing is
// allocated before ExitBootServices.
func (s *Sequencer) captureMemoryMap() (efi.MapKey, error) {
	sizing, err := s.p.GetMemoryMap(0, 0)
	if !errors.Is(err, efi.BufferTooSmall) {
		return 0, s.fail("GetMemoryMap()", fmt.Errorf("%w: got %v", ErrMemoryMapSizing, statusText(err)))
	}

	size := sizing.Size + 2*sizing.DescriptorSize
	buf, err := s.p.AllocatePool(efi.LoaderData, size)
	if err != nil {
		return 0, s.fail("AllocatePool()", err)
	}

	mm, err := s.p.GetMemoryMap(buf, size)
	if err != nil {
		return 0, s.fail("GetMemoryMap()", err)
	}

	if err := s.loaded.Handoff.WriteMemoryMap(handoff.MemoryMap{
		DescriptorSize: mm.DescriptorSize,
		Entries:        mm.Entries(),
		Map:            buf,
	}); err != nil {
		return 0, s.fail("write memory map handoff", err)
	}
	return mm.Key, nil
}

func (s *Sequencer) advance(next Stage) {
	if next != s.stage+1 {
		panic(fmt.Sprintf("boot: stage %v cannot follow %v", next, s.stage))
	}
	s.stage = next
	s.warnings.stage = next
	s.notify()
}

func (s *Sequencer) notify() {
	slog.Debug("boot stage", "stage", s.stage)
	if s.opts.OnStage != nil {
		s.opts.OnStage(s.stage)
	}
}

func (s *Sequencer) fail(what string, err error) error {
	e := &Error{Stage: s.stage, What: what, Err: err}
	slog.Debug("boot failed", "stage", s.stage, "what", what, "error", err)
	s.rep.failure(e)
	return e
}

func (s *Sequencer) closeFiles() {
	for _, f := range []*efi.File{&s.kernel, &s.root} {
		if *f == nil {
			continue
		}
		if err := (*f).Close(); err != nil {
			slog.Debug("close file", "error", err)
		}
		*f = nil
	}
}

func statusText(err error) string {
	if err == nil {
		return efi.Success.String()
	}
	return err.Error()
}
