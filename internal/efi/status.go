// Package efi defines the firmware services the loader consumes.
//
// The loader never talks to firmware directly; everything it needs (file
// access, page and pool allocation, the memory map, graphics output, the
// text console and the final control transfer) goes through the interfaces
// in this package. internal/efi/emu provides a complete implementation.
package efi

import "fmt"

// Status is a firmware status code. Error statuses have the high bit set.
type Status uint64

const errorBit = 1 << 63

const (
	Success Status = 0

	LoadError        Status = errorBit | 1
	InvalidParameter Status = errorBit | 2
	Unsupported      Status = errorBit | 3
	BadBufferSize    Status = errorBit | 4
	BufferTooSmall   Status = errorBit | 5
	NotReady         Status = errorBit | 6
	DeviceError      Status = errorBit | 7
	WriteProtected   Status = errorBit | 8
	OutOfResources   Status = errorBit | 9
	VolumeCorrupted  Status = errorBit | 10
	NotFound         Status = errorBit | 14
	AccessDenied     Status = errorBit | 15
	Aborted          Status = errorBit | 21
)

var statusNames = map[Status]string{
	Success:          "Success",
	LoadError:        "Load Error",
	InvalidParameter: "Invalid Parameter",
	Unsupported:      "Unsupported",
	BadBufferSize:    "Bad Buffer Size",
	BufferTooSmall:   "Buffer Too Small",
	NotReady:         "Not Ready",
	DeviceError:      "Device Error",
	WriteProtected:   "Write Protected",
	OutOfResources:   "Out of Resources",
	VolumeCorrupted:  "Volume Corrupt",
	NotFound:         "Not Found",
	AccessDenied:     "Access Denied",
	Aborted:          "Aborted",
}

// IsError reports whether s is an error status.
func (s Status) IsError() bool { return s&errorBit != 0 }

// Error implements error.
func (s Status) Error() string {
	return s.String()
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	if s.IsError() {
		return fmt.Sprintf("Error %#x", uint64(s&^errorBit))
	}
	return fmt.Sprintf("Status %#x", uint64(s))
}
