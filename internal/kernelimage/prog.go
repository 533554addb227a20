package kernelimage

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// ProgramHeader is one row of the program header table.
type ProgramHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Loadable reports whether the segment must be mapped into memory.
func (p ProgramHeader) Loadable() bool { return p.Type == elf.PT_LOAD }

// Executable reports whether the segment is marked executable.
func (p ProgramHeader) Executable() bool { return p.Flags&elf.PF_X != 0 }

// Writable reports whether the segment is marked writable.
func (p ProgramHeader) Writable() bool { return p.Flags&elf.PF_W != 0 }

// DecodeProgramHeader parses a program header. data may be longer than
// ProgramHeaderSize when the table uses a larger entry size.
func DecodeProgramHeader(data []byte) (ProgramHeader, error) {
	if len(data) < ProgramHeaderSize {
		return ProgramHeader{}, fmt.Errorf("%w: entry is %d bytes", ErrBadProgramHeader, len(data))
	}
	le := binary.LittleEndian
	return ProgramHeader{
		Type:   elf.ProgType(le.Uint32(data[0:4])),
		Flags:  elf.ProgFlag(le.Uint32(data[4:8])),
		Off:    le.Uint64(data[8:16]),
		Vaddr:  le.Uint64(data[16:24]),
		Paddr:  le.Uint64(data[24:32]),
		Filesz: le.Uint64(data[32:40]),
		Memsz:  le.Uint64(data[40:48]),
		Align:  le.Uint64(data[48:56]),
	}, nil
}

// Encode serialises p into a ProgramHeaderSize-byte buffer.
func (p ProgramHeader) Encode() []byte {
	buf := make([]byte, ProgramHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(p.Type))
	le.PutUint32(buf[4:8], uint32(p.Flags))
	le.PutUint64(buf[8:16], p.Off)
	le.PutUint64(buf[16:24], p.Vaddr)
	le.PutUint64(buf[24:32], p.Paddr)
	le.PutUint64(buf[32:40], p.Filesz)
	le.PutUint64(buf[40:48], p.Memsz)
	le.PutUint64(buf[48:56], p.Align)
	return buf
}
