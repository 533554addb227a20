package efi

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatusIsError(t *testing.T) {
	if Success.IsError() {
		t.Fatalf("Success reported as error")
	}
	if !BufferTooSmall.IsError() {
		t.Fatalf("BufferTooSmall not reported as error")
	}
	if Status(1).IsError() {
		t.Fatalf("warning status 1 reported as error")
	}
}

func TestStatusWrapping(t *testing.T) {
	err := fmt.Errorf("allocate pages: %w", NotFound)

	var st Status
	if !errors.As(err, &st) {
		t.Fatalf("errors.As did not find status in %v", err)
	}
	if st != NotFound {
		t.Fatalf("status = %v, want %v", st, NotFound)
	}
	if got := err.Error(); got != "allocate pages: Not Found" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestStatusStringUnknown(t *testing.T) {
	if got := Status(errorBit | 0x55).String(); got != "Error 0x55" {
		t.Fatalf("String() = %q", got)
	}
	if got := Status(3).String(); got != "Status 0x3" {
		t.Fatalf("String() = %q", got)
	}
}

func TestSizeToPages(t *testing.T) {
	cases := []struct {
		size, pages uint64
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{200, 1},
	}
	for _, tc := range cases {
		if got := SizeToPages(tc.size); got != tc.pages {
			t.Fatalf("SizeToPages(%#x) = %d, want %d", tc.size, got, tc.pages)
		}
	}
}

func TestMemoryDescriptorEncode(t *testing.T) {
	d := MemoryDescriptor{
		Type:          LoaderCode,
		PhysicalStart: 0x100000,
		NumberOfPages: 16,
		Attribute:     0xf,
	}
	buf := make([]byte, MemoryDescriptorSize)
	d.Encode(buf)

	got, err := DecodeMemoryDescriptor(buf)
	if err != nil {
		t.Fatalf("DecodeMemoryDescriptor: %v", err)
	}
	if got != d {
		t.Fatalf("decoded %+v, want %+v", got, d)
	}

	if _, err := DecodeMemoryDescriptor(buf[:8]); err == nil {
		t.Fatalf("expected error for short descriptor")
	}
}
