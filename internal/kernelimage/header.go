// Package kernelimage decodes and validates the ELF64 kernel image header
// and its program header table.
package kernelimage

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/zenith/internal/efi"
)

const (
	// HeaderSize is the size of an ELF64 file header.
	HeaderSize = 64
	// ProgramHeaderSize is the size of an ELF64 program header.
	ProgramHeaderSize = 56
)

// SupportedMachine is the only architecture the loader boots.
const SupportedMachine = elf.EM_X86_64

var (
	ErrNotELF           = errors.New("kernel is not a valid elf file")
	ErrUnsupported      = errors.New("kernel is not a supported elf type")
	ErrBadProgramHeader = errors.New("kernel program header table is malformed")
)

// Header is the ELF64 file header.
type Header struct {
	Ident     [elf.EI_NIDENT]byte
	Type      elf.Type
	Machine   elf.Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// DecodeHeader parses an ELF64 header. Bytes missing from a short buffer
// decode as zero.
func DecodeHeader(data []byte) *Header {
	var buf [HeaderSize]byte
	copy(buf[:], data)

	h := &Header{}
	copy(h.Ident[:], buf[:elf.EI_NIDENT])
	le := binary.LittleEndian
	h.Type = elf.Type(le.Uint16(buf[16:18]))
	h.Machine = elf.Machine(le.Uint16(buf[18:20]))
	h.Version = le.Uint32(buf[20:24])
	h.Entry = le.Uint64(buf[24:32])
	h.Phoff = le.Uint64(buf[32:40])
	h.Shoff = le.Uint64(buf[40:48])
	h.Flags = le.Uint32(buf[48:52])
	h.Ehsize = le.Uint16(buf[52:54])
	h.Phentsize = le.Uint16(buf[54:56])
	h.Phnum = le.Uint16(buf[56:58])
	h.Shentsize = le.Uint16(buf[58:60])
	h.Shnum = le.Uint16(buf[60:62])
	h.Shstrndx = le.Uint16(buf[62:64])
	return h
}

// Encode serialises h into a HeaderSize-byte buffer.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf, h.Ident[:])
	le := binary.LittleEndian
	le.PutUint16(buf[16:18], uint16(h.Type))
	le.PutUint16(buf[18:20], uint16(h.Machine))
	le.PutUint32(buf[20:24], h.Version)
	le.PutUint64(buf[24:32], h.Entry)
	le.PutUint64(buf[32:40], h.Phoff)
	le.PutUint64(buf[40:48], h.Shoff)
	le.PutUint32(buf[48:52], h.Flags)
	le.PutUint16(buf[52:54], h.Ehsize)
	le.PutUint16(buf[54:56], h.Phentsize)
	le.PutUint16(buf[56:58], h.Phnum)
	le.PutUint16(buf[58:60], h.Shentsize)
	le.PutUint16(buf[60:62], h.Shnum)
	le.PutUint16(buf[62:64], h.Shstrndx)
	return buf
}

// ReadHeader reads the file header from the current position of f. short
// is true when fewer than HeaderSize bytes were available; the header is
// still decoded so validation can decide whether it is usable.
func ReadHeader(f efi.File) (h *Header, short bool, err error) {
	buf := make([]byte, HeaderSize)
	n, err := f.Read(buf)
	if err != nil {
		return nil, false, fmt.Errorf("read kernel header: %w", err)
	}
	return DecodeHeader(buf[:n]), n != HeaderSize, nil
}

// IsRecognizedFormat reports whether h carries the ELF magic.
func IsRecognizedFormat(h *Header) bool {
	if h == nil {
		return false
	}
	return string(h.Ident[:len(elf.ELFMAG)]) == elf.ELFMAG
}

// IsSupportedVariant reports whether h is a 64-bit little-endian
// current-version executable for SupportedMachine.
func IsSupportedVariant(h *Header) bool {
	return elf.Class(h.Ident[elf.EI_CLASS]) == elf.ELFCLASS64 &&
		elf.Data(h.Ident[elf.EI_DATA]) == elf.ELFDATA2LSB &&
		h.Machine == SupportedMachine &&
		elf.Version(h.Ident[elf.EI_VERSION]) == elf.EV_CURRENT &&
		h.Type == elf.ET_EXEC
}

// Validate checks h before any memory is touched.
func Validate(h *Header) error {
	if !IsRecognizedFormat(h) {
		return ErrNotELF
	}
	if !IsSupportedVariant(h) {
		return fmt.Errorf("%w: class=%v data=%v machine=%v type=%v",
			ErrUnsupported,
			elf.Class(h.Ident[elf.EI_CLASS]), elf.Data(h.Ident[elf.EI_DATA]), h.Machine, h.Type)
	}
	if h.Phnum > 0 && h.Phentsize < ProgramHeaderSize {
		return fmt.Errorf("%w: entry size %d smaller than %d", ErrBadProgramHeader, h.Phentsize, ProgramHeaderSize)
	}
	return nil
}

// ProgramHeaderOffset returns the file offset of program header i.
func (h *Header) ProgramHeaderOffset(i int) uint64 {
	return h.Phoff + uint64(h.Phentsize)*uint64(i)
}
