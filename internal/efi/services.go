package efi

import "io"

// BootServices is the subset of firmware boot services the loader uses.
type BootServices interface {
	// AllocatePages reserves pages of the given type. With AllocateAddress
	// the range must start exactly at addr.
	AllocatePages(kind AllocateType, memType MemoryType, pages uint64, addr uint64) (Region, error)

	// AllocatePool returns the physical address of a size-byte buffer.
	AllocatePool(memType MemoryType, size uint64) (uint64, error)

	// GetMemoryMap writes the current memory map into the size-byte buffer
	// at physical address buf. When size is too small it fails with
	// BufferTooSmall and reports the required size and descriptor stride.
	GetMemoryMap(buf uint64, size uint64) (MemoryMap, error)

	// ExitBootServices terminates boot services. key must come from the
	// most recent GetMemoryMap call with no allocation since.
	ExitBootServices(key MapKey) error
}

// OpenMode is a file open mode.
type OpenMode uint64

const (
	FileModeRead   OpenMode = 0x1
	FileModeWrite  OpenMode = 0x2
	FileModeCreate OpenMode = 0x8000000000000000
)

// FileAttribute is a file attribute bit set.
type FileAttribute uint64

const (
	FileReadOnly  FileAttribute = 0x01
	FileHidden    FileAttribute = 0x02
	FileSystemAtt FileAttribute = 0x04
	FileDirectory FileAttribute = 0x10
	FileArchive   FileAttribute = 0x20
)

// File is an open file or directory on a firmware volume.
//
// Read follows firmware semantics: it returns the number of bytes read,
// which is short at end of file, and never returns io.EOF.
type File interface {
	Open(path string, mode OpenMode, attrs FileAttribute) (File, error)
	Read(p []byte) (int, error)
	SetPosition(pos uint64) error
	Close() error
}

// FileSystem is a simple file system volume.
type FileSystem interface {
	OpenVolume() (File, error)
}

// PixelFormat is the framebuffer pixel layout of a graphics mode. The
// values are ordered: every format after BlueGreenRedReserved8BitPerColor
// needs a bit mask or has no framebuffer.
type PixelFormat uint32

const (
	RedGreenBlueReserved8BitPerColor PixelFormat = iota
	BlueGreenRedReserved8BitPerColor
	PixelBitMask
	PixelBltOnly
)

func (p PixelFormat) String() string {
	switch p {
	case RedGreenBlueReserved8BitPerColor:
		return "RGBX8888"
	case BlueGreenRedReserved8BitPerColor:
		return "BGRX8888"
	case PixelBitMask:
		return "BitMask"
	case PixelBltOnly:
		return "BltOnly"
	}
	return "Unknown"
}

// ModeInfo describes one graphics mode.
type ModeInfo struct {
	Version              uint32
	HorizontalResolution uint32
	VerticalResolution   uint32
	PixelFormat          PixelFormat
	PixelsPerScanLine    uint32
}

// GraphicsOutput is the graphics output protocol.
type GraphicsOutput interface {
	MaxMode() uint32
	QueryMode(mode uint32) (ModeInfo, error)
	SetMode(mode uint32) error
	// FrameBufferBase returns the physical address of the framebuffer.
	FrameBufferBase() uint64
}

// Attribute is a text console color attribute.
type Attribute uint8

const (
	Black Attribute = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGray
	DarkGray
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	Yellow
	White
)

// Console is the text console.
type Console interface {
	OutputString(s string) error
	ClearScreen() error
	SetAttribute(attr Attribute) error
	SetCursorPosition(column, row int) error
	EnableCursor(visible bool) error
	// QueryMode returns the size of the current text mode.
	QueryMode() (columns, rows int, err error)
	// WaitForKey blocks until a key is pressed and consumes it.
	WaitForKey() error
}

// PhysicalMemory gives access to physical memory by address.
type PhysicalMemory interface {
	io.ReaderAt
	io.WriterAt
}

// EntryPoint is a kernel entry address in the identity-mapped physical
// address space.
type EntryPoint uint64

// Transfer hands control to loaded code.
//
// Enter must never return. The caller owns nothing after calling it.
type Transfer interface {
	Enter(entry EntryPoint)
}

// Platform is everything the loader needs from the firmware.
type Platform interface {
	BootServices
	Transfer

	// LocateGraphicsOutput finds the graphics output protocol.
	LocateGraphicsOutput() (GraphicsOutput, error)
	// LocateFileSystem finds the file system of the device the loader
	// image was loaded from.
	LocateFileSystem() (FileSystem, error)

	Console() Console
	Memory() PhysicalMemory
}
