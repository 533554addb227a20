package boot

import (
	"errors"
	"fmt"

	"github.com/tinyrange/zenith/internal/efi"
)

// StatusInvalid is returned for every validation failure.
const StatusInvalid efi.Status = 1

var (
	ErrMemoryMapSizing = errors.New("memory map sizing did not report a buffer too small")

	errKernelReturned = errors.New("kernel entry returned")
)

// Error is a failed boot attempt.
type Error struct {
	Stage Stage
	// What names the failed operation for the error report.
	What string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.What, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the status the boot attempt exits with.
func (e *Error) Status() efi.Status { return ExitStatus(e.Err) }

// ExitStatus maps err to a firmware exit status: firmware statuses are
// returned verbatim, anything else is a validation failure.
func ExitStatus(err error) efi.Status {
	if err == nil {
		return efi.Success
	}
	var st efi.Status
	if errors.As(err, &st) {
		return st
	}
	return StatusInvalid
}
