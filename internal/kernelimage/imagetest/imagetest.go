// Package imagetest builds ELF64 kernel images for tests.
package imagetest

import (
	"debug/elf"

	"github.com/tinyrange/zenith/internal/kernelimage"
)

// Magic is the handoff signature a bootable kernel starts with.
const Magic = "ZEN1"

// Segment describes one program header row and its file contents.
type Segment struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Paddr uint64
	Data  []byte
	// Memsz defaults to len(Data).
	Memsz uint64
	// Filesz overrides the recorded on-disk size without changing Data.
	Filesz *uint64
}

// Image describes a kernel file.
type Image struct {
	Class   elf.Class
	Data    elf.Data
	Version elf.Version
	Machine elf.Machine
	Type    elf.Type
	Entry   uint64

	// Phentsize overrides the program header entry size.
	Phentsize uint16
	// Truncate cuts the file to this many bytes when non-zero.
	Truncate int

	Segments []Segment
}

// Kernel returns a valid executable image with a single RX load segment
// at paddr holding the handoff magic followed by body. The entry point is
// paddr + 0x80.
func Kernel(paddr uint64, body []byte, memsz uint64) Image {
	data := append([]byte(Magic), make([]byte, 0x7c)...)
	data = append(data, body...)
	if memsz < uint64(len(data)) {
		memsz = uint64(len(data))
	}
	return Image{
		Entry: paddr + 0x80,
		Segments: []Segment{{
			Type:  elf.PT_LOAD,
			Flags: elf.PF_R | elf.PF_X,
			Paddr: paddr,
			Data:  data,
			Memsz: memsz,
		}},
	}
}

func (img Image) withDefaults() Image {
	if img.Class == 0 {
		img.Class = elf.ELFCLASS64
	}
	if img.Data == 0 {
		img.Data = elf.ELFDATA2LSB
	}
	if img.Version == 0 {
		img.Version = elf.EV_CURRENT
	}
	if img.Machine == 0 {
		img.Machine = elf.EM_X86_64
	}
	if img.Type == 0 {
		img.Type = elf.ET_EXEC
	}
	if img.Phentsize == 0 {
		img.Phentsize = kernelimage.ProgramHeaderSize
	}
	return img
}

// Header returns the file header Bytes would write.
func (img Image) Header() *kernelimage.Header {
	img = img.withDefaults()
	h := &kernelimage.Header{
		Type:      img.Type,
		Machine:   img.Machine,
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     kernelimage.HeaderSize,
		Ehsize:    kernelimage.HeaderSize,
		Phentsize: img.Phentsize,
		Phnum:     uint16(len(img.Segments)),
	}
	copy(h.Ident[:], elf.ELFMAG)
	h.Ident[elf.EI_CLASS] = byte(img.Class)
	h.Ident[elf.EI_DATA] = byte(img.Data)
	h.Ident[elf.EI_VERSION] = byte(img.Version)
	return h
}

// Bytes lays the image out as header, program header table, then each
// segment's data aligned to 16 bytes.
func (img Image) Bytes() []byte {
	img = img.withDefaults()
	out := img.Header().Encode()

	tableEnd := kernelimage.HeaderSize + int(img.Phentsize)*len(img.Segments)
	offset := alignUp(tableEnd, 16)
	offsets := make([]int, len(img.Segments))
	for i, seg := range img.Segments {
		offsets[i] = offset
		offset = alignUp(offset+len(seg.Data), 16)
	}

	for i, seg := range img.Segments {
		filesz := uint64(len(seg.Data))
		if seg.Filesz != nil {
			filesz = *seg.Filesz
		}
		memsz := seg.Memsz
		if memsz == 0 && seg.Filesz == nil {
			memsz = uint64(len(seg.Data))
		}
		ph := kernelimage.ProgramHeader{
			Type:   seg.Type,
			Flags:  seg.Flags,
			Off:    uint64(offsets[i]),
			Vaddr:  seg.Paddr,
			Paddr:  seg.Paddr,
			Filesz: filesz,
			Memsz:  memsz,
			Align:  0x1000,
		}
		entry := make([]byte, img.Phentsize)
		copy(entry, ph.Encode())
		out = append(out, entry...)
	}

	for i, seg := range img.Segments {
		out = append(out, make([]byte, offsets[i]-len(out))...)
		out = append(out, seg.Data...)
	}

	if img.Truncate > 0 && img.Truncate < len(out) {
		out = out[:img.Truncate]
	}
	return out
}

func alignUp(v, a int) int {
	return (v + a - 1) &^ (a - 1)
}
