// Package config describes the emulated machine a boot attempt runs on.
package config

import (
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/zenith/internal/boot"
	"github.com/tinyrange/zenith/internal/efi"
	"github.com/tinyrange/zenith/internal/efi/emu"
)

const (
	DefaultMemorySize  Size = 64 << 20
	DefaultFrameBuffer      = 0x80000000
)

// Machine is the YAML machine description.
type Machine struct {
	Memory  MemoryConfig  `yaml:"memory"`
	Display DisplayConfig `yaml:"display"`
	Boot    BootConfig    `yaml:"boot"`
}

type MemoryConfig struct {
	Base Size `yaml:"base,omitempty"`
	Size Size `yaml:"size,omitempty"`

	// DescriptorSize is the stride of the firmware memory map.
	DescriptorSize uint64         `yaml:"descriptorSize,omitempty"`
	Reserved       []RegionConfig `yaml:"reserved,omitempty"`
}

type RegionConfig struct {
	Base Size   `yaml:"base"`
	Size Size   `yaml:"size"`
	Type string `yaml:"type,omitempty"`
}

type DisplayConfig struct {
	// Disabled removes the graphics output protocol.
	Disabled    bool         `yaml:"disabled,omitempty"`
	FrameBuffer Size         `yaml:"frameBuffer,omitempty"`
	Modes       []ModeConfig `yaml:"modes,omitempty"`
}

type ModeConfig struct {
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
	// Stride is the scan line length in pixels. Defaults to Width.
	Stride uint32 `yaml:"stride,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type BootConfig struct {
	KernelPath string `yaml:"kernelPath,omitempty"`
	Quiet      bool   `yaml:"quiet,omitempty"`
	Pause      bool   `yaml:"pause,omitempty"`
	Debug      bool   `yaml:"debug,omitempty"`
}

// Default returns the machine used when no description is given.
func Default() Machine {
	var m Machine
	m.normalize()
	return m
}

func (m *Machine) normalize() {
	if m.Memory.Size == 0 {
		m.Memory.Size = DefaultMemorySize
	}
	if m.Memory.DescriptorSize == 0 {
		m.Memory.DescriptorSize = emu.DefaultDescriptorSize
	}
	if m.Memory.Reserved == nil {
		// Keep page zero out of reach like real firmware does.
		m.Memory.Reserved = []RegionConfig{{Base: m.Memory.Base, Size: efi.PageSize, Type: "BootServicesData"}}
	}
	for i := range m.Memory.Reserved {
		if m.Memory.Reserved[i].Type == "" {
			m.Memory.Reserved[i].Type = efi.ReservedMemoryType.String()
		}
	}
	if m.Display.FrameBuffer == 0 {
		m.Display.FrameBuffer = DefaultFrameBuffer
	}
	if len(m.Display.Modes) == 0 {
		m.Display.Modes = []ModeConfig{
			{Width: 1024, Height: 768},
			{Width: 800, Height: 600},
			{Width: 640, Height: 480},
		}
	}
	for i := range m.Display.Modes {
		mode := &m.Display.Modes[i]
		if mode.Stride == 0 {
			mode.Stride = mode.Width
		}
		if mode.Format == "" {
			mode.Format = efi.BlueGreenRedReserved8BitPerColor.String()
		}
	}
	if m.Boot.KernelPath == "" {
		m.Boot.KernelPath = boot.DefaultKernelPath
	}
}

// Parse decodes a machine description and fills in defaults.
func Parse(data []byte) (Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, fmt.Errorf("parse machine: %w", err)
	}
	m.normalize()
	if err := m.validate(); err != nil {
		return Machine{}, err
	}
	return m, nil
}

// Load reads a machine description from path.
func Load(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("read machine: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return Machine{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func (m *Machine) validate() error {
	if m.Memory.Base%efi.PageSize != 0 || m.Memory.Size%efi.PageSize != 0 {
		return fmt.Errorf("memory %#x+%#x is not page aligned", uint64(m.Memory.Base), uint64(m.Memory.Size))
	}
	if m.Memory.DescriptorSize < efi.MemoryDescriptorSize {
		return fmt.Errorf("descriptor size %d is smaller than %d", m.Memory.DescriptorSize, efi.MemoryDescriptorSize)
	}
	for _, r := range m.Memory.Reserved {
		if r.Base%efi.PageSize != 0 {
			return fmt.Errorf("reserved region %#x is not page aligned", uint64(r.Base))
		}
		if _, err := parseMemoryType(r.Type); err != nil {
			return err
		}
	}
	for _, mode := range m.Display.Modes {
		if mode.Width == 0 || mode.Height == 0 || mode.Stride < mode.Width {
			return fmt.Errorf("display mode %dx%d stride %d is invalid", mode.Width, mode.Height, mode.Stride)
		}
		if _, err := parsePixelFormat(mode.Format); err != nil {
			return err
		}
	}
	return nil
}

// EmuConfig returns the emulator configuration for m. volume is the boot
// volume, console receives the firmware text output.
func (m Machine) EmuConfig(volume fs.FS, console efi.Console) (emu.Config, error) {
	cfg := emu.Config{
		MemoryBase:     uint64(m.Memory.Base),
		MemorySize:     uint64(m.Memory.Size),
		DescriptorSize: m.Memory.DescriptorSize,
		FrameBuffer:    uint64(m.Display.FrameBuffer),
		NoGraphics:     m.Display.Disabled,
		Volume:         volume,
		Console:        console,
	}
	for _, r := range m.Memory.Reserved {
		t, err := parseMemoryType(r.Type)
		if err != nil {
			return emu.Config{}, err
		}
		cfg.Reserved = append(cfg.Reserved, efi.Region{
			Base:  uint64(r.Base),
			Pages: efi.SizeToPages(uint64(r.Size)),
			Type:  t,
		})
	}
	for _, mode := range m.Display.Modes {
		pf, err := parsePixelFormat(mode.Format)
		if err != nil {
			return emu.Config{}, err
		}
		cfg.Modes = append(cfg.Modes, efi.ModeInfo{
			HorizontalResolution: mode.Width,
			VerticalResolution:   mode.Height,
			PixelFormat:          pf,
			PixelsPerScanLine:    mode.Stride,
		})
	}
	return cfg, nil
}

// BootOptions returns the boot options for m.
func (m Machine) BootOptions() boot.Options {
	return boot.Options{
		KernelPath: m.Boot.KernelPath,
		Quiet:      m.Boot.Quiet,
		Pause:      m.Boot.Pause,
	}
}

func parseMemoryType(name string) (efi.MemoryType, error) {
	for t := efi.ReservedMemoryType; t <= efi.PersistentMemory; t++ {
		if strings.EqualFold(t.String(), name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", name)
}

func parsePixelFormat(name string) (efi.PixelFormat, error) {
	for pf := efi.RedGreenBlueReserved8BitPerColor; pf <= efi.PixelBltOnly; pf++ {
		if strings.EqualFold(pf.String(), name) {
			return pf, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel format %q", name)
}

// Size is a byte count or address. In YAML it is an integer or a string
// with a K, M or G suffix.
type Size uint64

func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", n.Line)
	}
	v, err := ParseSize(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*s = v
	return nil
}

func (s Size) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint64(s)), nil
}

// ParseSize parses "4096", "0x1000", "64M" and the like.
func ParseSize(text string) (Size, error) {
	t := strings.TrimSpace(text)
	shift := 0
	if t != "" {
		switch t[len(t)-1] {
		case 'K', 'k':
			shift = 10
		case 'M', 'm':
			shift = 20
		case 'G', 'g':
			shift = 30
		}
		if shift != 0 {
			t = t[:len(t)-1]
		}
	}
	v, err := strconv.ParseUint(t, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", text)
	}
	if shift != 0 && v > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", text)
	}
	return Size(v << shift), nil
}
