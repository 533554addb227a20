package emu

import (
	"strings"

	"github.com/tinyrange/zenith/internal/efi"
)

// NullConsole discards output and never blocks for a key.
type NullConsole struct{}

func (NullConsole) OutputString(string) error        { return nil }
func (NullConsole) ClearScreen() error               { return nil }
func (NullConsole) SetAttribute(efi.Attribute) error { return nil }
func (NullConsole) SetCursorPosition(int, int) error { return nil }
func (NullConsole) EnableCursor(bool) error          { return nil }
func (NullConsole) QueryMode() (int, int, error)     { return 80, 25, nil }
func (NullConsole) WaitForKey() error                { return nil }

// RecordingConsole keeps everything written to it. Cursor movement and
// colors are not recorded.
type RecordingConsole struct {
	Columns, Rows int

	out  strings.Builder
	Keys int
}

func (c *RecordingConsole) OutputString(s string) error {
	c.out.WriteString(s)
	return nil
}

func (c *RecordingConsole) ClearScreen() error               { return nil }
func (c *RecordingConsole) SetAttribute(efi.Attribute) error { return nil }
func (c *RecordingConsole) SetCursorPosition(int, int) error { return nil }
func (c *RecordingConsole) EnableCursor(bool) error          { return nil }

func (c *RecordingConsole) QueryMode() (int, int, error) {
	if c.Columns == 0 {
		return 80, 25, nil
	}
	return c.Columns, c.Rows, nil
}

func (c *RecordingConsole) WaitForKey() error {
	c.Keys++
	return nil
}

// String returns all recorded output.
func (c *RecordingConsole) String() string { return c.out.String() }

// gatedConsole forwards to the configured console until boot services
// exit and counts anything that arrives later.
type gatedConsole struct {
	m     *Machine
	inner efi.Console
	late  int
}

func (c *gatedConsole) gate() error {
	if c.m.exited {
		c.late++
		return efi.Unsupported
	}
	return nil
}

func (c *gatedConsole) OutputString(s string) error {
	if err := c.gate(); err != nil {
		return err
	}
	return c.inner.OutputString(s)
}

func (c *gatedConsole) ClearScreen() error {
	if err := c.gate(); err != nil {
		return err
	}
	return c.inner.ClearScreen()
}

func (c *gatedConsole) SetAttribute(attr efi.Attribute) error {
	if err := c.gate(); err != nil {
		return err
	}
	return c.inner.SetAttribute(attr)
}

func (c *gatedConsole) SetCursorPosition(column, row int) error {
	if err := c.gate(); err != nil {
		return err
	}
	return c.inner.SetCursorPosition(column, row)
}

func (c *gatedConsole) EnableCursor(visible bool) error {
	if err := c.gate(); err != nil {
		return err
	}
	return c.inner.EnableCursor(visible)
}

func (c *gatedConsole) QueryMode() (int, int, error) {
	if err := c.gate(); err != nil {
		return 0, 0, err
	}
	return c.inner.QueryMode()
}

func (c *gatedConsole) WaitForKey() error {
	if err := c.gate(); err != nil {
		return err
	}
	return c.inner.WaitForKey()
}
