package emu

import "github.com/tinyrange/zenith/internal/efi"

type graphicsOutput struct {
	m       *Machine
	current uint32
	set     bool
}

func (g *graphicsOutput) MaxMode() uint32 { return uint32(len(g.m.cfg.Modes)) }

func (g *graphicsOutput) QueryMode(mode uint32) (efi.ModeInfo, error) {
	if g.m.exited {
		return efi.ModeInfo{}, efi.Unsupported
	}
	if st, ok := g.m.cfg.QueryFailures[mode]; ok {
		return efi.ModeInfo{}, st
	}
	if mode >= uint32(len(g.m.cfg.Modes)) {
		return efi.ModeInfo{}, efi.InvalidParameter
	}
	return g.m.cfg.Modes[mode], nil
}

func (g *graphicsOutput) SetMode(mode uint32) error {
	if g.m.exited {
		return efi.Unsupported
	}
	if mode >= uint32(len(g.m.cfg.Modes)) {
		return efi.Unsupported
	}
	g.current = mode
	g.set = true
	return nil
}

// FrameBufferBase returns the same base for every mode, as GOP drivers
// with a single linear framebuffer do.
func (g *graphicsOutput) FrameBufferBase() uint64 { return g.m.cfg.FrameBuffer }
