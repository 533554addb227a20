// Package console renders the firmware text console on a host terminal.
package console

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/zenith/internal/efi"
)

const (
	defaultColumns = 80
	defaultRows    = 25
)

// palette maps firmware colors to terminal colors. The firmware orders
// colors blue first, the terminal red first.
var palette = [16]ansi.BasicColor{
	efi.Black:        ansi.Black,
	efi.Blue:         ansi.Blue,
	efi.Green:        ansi.Green,
	efi.Cyan:         ansi.Cyan,
	efi.Red:          ansi.Red,
	efi.Magenta:      ansi.Magenta,
	efi.Brown:        ansi.Yellow,
	efi.LightGray:    ansi.White,
	efi.DarkGray:     ansi.BrightBlack,
	efi.LightBlue:    ansi.BrightBlue,
	efi.LightGreen:   ansi.BrightGreen,
	efi.LightCyan:    ansi.BrightCyan,
	efi.LightRed:     ansi.BrightRed,
	efi.LightMagenta: ansi.BrightMagenta,
	efi.Yellow:       ansi.BrightYellow,
	efi.White:        ansi.BrightWhite,
}

// Terminal implements efi.Console on top of an ANSI terminal.
type Terminal struct {
	mu  sync.Mutex
	out io.Writer
	in  io.Reader

	// Columns and Rows are reported when the output is not a terminal.
	Columns, Rows int
}

// New returns a console writing to out and reading keys from in. in may be
// nil, in which case WaitForKey returns immediately.
func New(out io.Writer, in io.Reader) *Terminal {
	return &Terminal{out: out, in: in, Columns: defaultColumns, Rows: defaultRows}
}

// Stdio returns a console on the process's standard streams.
func Stdio() *Terminal {
	return New(os.Stdout, os.Stdin)
}

func (t *Terminal) write(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := io.WriteString(t.out, s); err != nil {
		return fmt.Errorf("%w: %v", efi.DeviceError, err)
	}
	return nil
}

// OutputString implements efi.Console.
func (t *Terminal) OutputString(s string) error { return t.write(s) }

// ClearScreen implements efi.Console.
func (t *Terminal) ClearScreen() error {
	return t.write(ansi.EraseEntireScreen + ansi.CursorPosition(1, 1))
}

// SetAttribute implements efi.Console. The low nibble selects the
// foreground, the next three bits the background.
func (t *Terminal) SetAttribute(attr efi.Attribute) error {
	style := ansi.Style{}.
		ForegroundColor(palette[attr&0x0f]).
		BackgroundColor(palette[(attr>>4)&0x07])
	return t.write(style.String())
}

// SetCursorPosition implements efi.Console. Positions are zero based.
func (t *Terminal) SetCursorPosition(column, row int) error {
	cols, rows, _ := t.QueryMode()
	if column < 0 || row < 0 || column >= cols || row >= rows {
		return efi.Unsupported
	}
	return t.write(ansi.CursorPosition(column+1, row+1))
}

// EnableCursor implements efi.Console.
func (t *Terminal) EnableCursor(visible bool) error {
	if visible {
		return t.write(ansi.ShowCursor)
	}
	return t.write(ansi.HideCursor)
}

// QueryMode implements efi.Console.
func (t *Terminal) QueryMode() (int, int, error) {
	if fd, ok := terminalFd(t.out); ok {
		if w, h, err := term.GetSize(fd); err == nil && w > 0 && h > 0 {
			return w, h, nil
		}
	}
	return t.Columns, t.Rows, nil
}

// WaitForKey implements efi.Console. An interactive input is switched to
// raw mode for the read so a single key press is enough.
func (t *Terminal) WaitForKey() error {
	if t.in == nil {
		return nil
	}
	if fd, ok := terminalFd(t.in); ok {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("%w: %v", efi.DeviceError, err)
		}
		defer term.Restore(fd, state)
	}

	var key [1]byte
	if _, err := t.in.Read(key[:]); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", efi.DeviceError, err)
	}
	return nil
}

// Reset restores default colors and shows the cursor.
func (t *Terminal) Reset() error {
	return t.write(ansi.ResetStyle + ansi.ShowCursor)
}

type fder interface {
	Fd() uintptr
}

func terminalFd(v any) (int, bool) {
	f, ok := v.(fder)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

var _ efi.Console = (*Terminal)(nil)
