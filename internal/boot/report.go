package boot

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/zenith/internal/efi"
	"github.com/tinyrange/zenith/internal/loader"
)

const (
	bannerTitle = "zenithBoot"
	bannerArch  = " (x86_64 EFI)"
	divider     = "═"
)

// reporter writes progress and errors to the firmware console. Console
// failures are logged and otherwise ignored; the console is never
// required for a boot to succeed.
type reporter struct {
	con   efi.Console
	quiet bool
	pause bool
}

func (r *reporter) print(format string, args ...any) {
	if r.con == nil {
		return
	}
	r.check("OutputString", r.con.OutputString(fmt.Sprintf(format, args...)))
}

// check logs a failed console call. Console errors never fail a boot.
func (r *reporter) check(op string, err error) {
	if err != nil {
		slog.Debug("console call failed", "op", op, "error", err)
	}
}

func (r *reporter) banner() {
	if r.con == nil || r.quiet {
		return
	}
	columns, _, err := r.con.QueryMode()
	if err != nil || columns <= 0 {
		r.check("QueryMode", err)
		columns = 80
	}
	r.check("ClearScreen", r.con.ClearScreen())
	r.check("EnableCursor", r.con.EnableCursor(true))

	r.check("SetAttribute", r.con.SetAttribute(efi.Cyan))
	// The title is centred on the whole banner including its NUL.
	r.check("SetCursorPosition", r.con.SetCursorPosition(max((columns-len(bannerTitle+bannerArch)-1)/2, 0), 0))
	r.print("%s", bannerTitle)
	r.check("SetAttribute", r.con.SetAttribute(efi.DarkGray))
	r.print("%s\r\n", bannerArch)
	r.check("SetAttribute", r.con.SetAttribute(efi.LightGray))

	r.check("SetCursorPosition", r.con.SetCursorPosition(0, 1))
	r.print("%s", strings.Repeat(divider, columns))
	r.print("\r\n")
}

func (r *reporter) warn(w Warning) {
	slog.Debug("boot warning", "stage", w.Stage, "message", w.Message)
	if r.quiet {
		return
	}
	r.print("[WARNING] %s\r\n", w.Message)
}

func (r *reporter) failure(e *Error) {
	var st efi.Status
	if errors.As(e.Err, &st) {
		r.print("[ERROR] %s: %s\r\n", e.What, st)
	} else {
		r.print("[ERROR] %v\r\n", e.Err)
	}
	if r.pause {
		r.waitKey()
	}
}

func (r *reporter) segment(seg loader.Segment) {
	slog.Debug("segment loaded",
		"index", seg.Index,
		"paddr", seg.Header.Paddr,
		"filesz", seg.Header.Filesz,
		"memsz", seg.Header.Memsz)
	if r.quiet {
		return
	}
	r.print("Kernel segment loaded at 0x%X with size 0x%X (0x%X zeroed)\r\n",
		seg.Header.Paddr, seg.Header.Filesz, seg.Zeroed())
}

func (r *reporter) cleanup(warnings int) {
	if r.quiet {
		return
	}
	if warnings > 0 {
		r.print("%d WARNINGS REPORTED\r\n", warnings)
	}
	r.print("CLEANING UP\r\n")
	if r.pause {
		r.waitKey()
	}
}

func (r *reporter) waitKey() {
	if r.con == nil {
		return
	}
	r.print("Press any key to continue...")
	r.check("WaitForKey", r.con.WaitForKey())
	r.print("\r\n")
}
