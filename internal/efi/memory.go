package efi

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the firmware page granularity.
const PageSize = 0x1000

// SizeToPages returns the number of pages needed to hold size bytes.
func SizeToPages(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

// MemoryType classifies a physical memory range.
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
)

var memoryTypeNames = [...]string{
	"Reserved",
	"LoaderCode",
	"LoaderData",
	"BootServicesCode",
	"BootServicesData",
	"RuntimeServicesCode",
	"RuntimeServicesData",
	"Conventional",
	"Unusable",
	"ACPIReclaim",
	"ACPINVS",
	"MMIO",
	"MMIOPortSpace",
	"PalCode",
	"Persistent",
}

func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}
	return fmt.Sprintf("MemoryType(%d)", uint32(t))
}

// AllocateType selects how AllocatePages picks the physical range.
type AllocateType uint32

const (
	AllocateAnyPages AllocateType = iota
	AllocateMaxAddress
	AllocateAddress
)

// Region is a page range handed out by AllocatePages. Ownership of the
// range passes to the kernel at handoff; the loader never frees it.
type Region struct {
	Base  uint64
	Pages uint64
	Type  MemoryType
}

// Size returns the size of the region in bytes.
func (r Region) Size() uint64 { return r.Pages * PageSize }

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Base + r.Size() }

// MemoryDescriptorSize is the size of the fields of a memory descriptor.
// Firmware may report a larger stride.
const MemoryDescriptorSize = 40

// MemoryDescriptor is one entry of the firmware memory map.
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// Encode writes d into buf, which must hold MemoryDescriptorSize bytes.
func (d MemoryDescriptor) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.Type))
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], d.PhysicalStart)
	binary.LittleEndian.PutUint64(buf[16:24], d.VirtualStart)
	binary.LittleEndian.PutUint64(buf[24:32], d.NumberOfPages)
	binary.LittleEndian.PutUint64(buf[32:40], d.Attribute)
}

// DecodeMemoryDescriptor parses a descriptor written by Encode.
func DecodeMemoryDescriptor(buf []byte) (MemoryDescriptor, error) {
	if len(buf) < MemoryDescriptorSize {
		return MemoryDescriptor{}, fmt.Errorf("memory descriptor too short: %d bytes", len(buf))
	}
	return MemoryDescriptor{
		Type:          MemoryType(binary.LittleEndian.Uint32(buf[0:4])),
		PhysicalStart: binary.LittleEndian.Uint64(buf[8:16]),
		VirtualStart:  binary.LittleEndian.Uint64(buf[16:24]),
		NumberOfPages: binary.LittleEndian.Uint64(buf[24:32]),
		Attribute:     binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

// MapKey identifies one snapshot of the memory map. Any allocation
// invalidates previously returned keys.
type MapKey uint64

// MemoryMap describes the result of GetMemoryMap.
type MemoryMap struct {
	// Size is the number of bytes written, or the number required when the
	// call fails with BufferTooSmall.
	Size              uint64
	Key               MapKey
	DescriptorSize    uint64
	DescriptorVersion uint32
}

// Entries returns the number of descriptors in the map.
func (m MemoryMap) Entries() uint64 {
	if m.DescriptorSize == 0 {
		return 0
	}
	return m.Size / m.DescriptorSize
}
