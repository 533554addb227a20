package console

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/charmbracelet/x/vt"

	"github.com/tinyrange/zenith/internal/boot"
	"github.com/tinyrange/zenith/internal/efi"
	"github.com/tinyrange/zenith/internal/efi/emu"
)

func cellText(screen *vt.SafeEmulator, x, y, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		c := screen.CellAt(x+i, y)
		if c == nil || c.Content == "" {
			b.WriteByte(' ')
			continue
		}
		b.WriteString(c.Content)
	}
	return b.String()
}

func TestBannerRendersOnTerminal(t *testing.T) {
	screen := vt.NewSafeEmulator(80, 25)
	defer screen.Close()

	m, err := emu.New(emu.Config{
		MemorySize: 0x100000,
		NoGraphics: true,
		Console:    New(screen, nil),
	})
	if err != nil {
		t.Fatalf("emu.New: %v", err)
	}
	defer m.Close()

	out := m.Run(func(p efi.Platform) error { return boot.Boot(p, boot.Options{}) })
	if !out.Returned || out.Err == nil {
		t.Fatalf("outcome = %+v, want a failed boot", out)
	}

	if got := cellText(screen, 28, 0, 23); got != "zenithBoot (x86_64 EFI)" {
		t.Fatalf("row 0 = %q", got)
	}
	if got := cellText(screen, 0, 1, 80); got != strings.Repeat("═", 80) {
		t.Fatalf("row 1 = %q", got)
	}
	if got := cellText(screen, 0, 2, 30); !strings.HasPrefix(got, "[ERROR] getGOP(): Not Found") {
		t.Fatalf("row 2 = %q", got)
	}
}

func TestCursorPositionIsZeroBased(t *testing.T) {
	screen := vt.NewSafeEmulator(40, 10)
	defer screen.Close()
	c := New(screen, nil)
	c.Columns, c.Rows = 40, 10

	if err := c.SetCursorPosition(5, 3); err != nil {
		t.Fatalf("SetCursorPosition: %v", err)
	}
	if err := c.OutputString("x"); err != nil {
		t.Fatalf("OutputString: %v", err)
	}
	if got := cellText(screen, 5, 3, 1); got != "x" {
		t.Fatalf("cell (5,3) = %q", got)
	}
}

func TestCursorPositionOutOfRange(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, nil)
	if err := c.SetCursorPosition(80, 0); err != efi.Unsupported {
		t.Fatalf("err = %v, want Unsupported", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("wrote %q", buf.String())
	}
}

func TestClearScreen(t *testing.T) {
	screen := vt.NewSafeEmulator(20, 4)
	defer screen.Close()
	c := New(screen, nil)

	_ = c.OutputString("garbage\r\nmore")
	if err := c.ClearScreen(); err != nil {
		t.Fatalf("ClearScreen: %v", err)
	}
	_ = c.OutputString("ok")

	if got := cellText(screen, 0, 0, 7); got != "ok     " {
		t.Fatalf("row 0 = %q", got)
	}
	if got := cellText(screen, 0, 1, 4); got != "    " {
		t.Fatalf("row 1 = %q", got)
	}
}

func TestSetAttributeMapsPalette(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, nil)

	if err := c.SetAttribute(efi.Cyan); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	// Firmware cyan is index 3, terminal cyan is 36.
	if got := buf.String(); !strings.Contains(got, "36") || !strings.HasPrefix(got, "\x1b[") {
		t.Fatalf("cyan = %q", got)
	}

	buf.Reset()
	_ = c.SetAttribute(efi.DarkGray)
	if got := buf.String(); !strings.Contains(got, "90") {
		t.Fatalf("dark gray = %q", got)
	}
}

func TestWaitForKey(t *testing.T) {
	c := New(&bytes.Buffer{}, strings.NewReader("ab"))
	if err := c.WaitForKey(); err != nil {
		t.Fatalf("WaitForKey: %v", err)
	}
	rest := make([]byte, 2)
	n, _ := c.in.Read(rest)
	if string(rest[:n]) != "b" {
		t.Fatalf("WaitForKey consumed %d keys", 2-n)
	}

	// End of input counts as a key.
	if err := c.WaitForKey(); err != nil {
		t.Fatalf("WaitForKey at EOF: %v", err)
	}
	if err := New(&bytes.Buffer{}, nil).WaitForKey(); err != nil {
		t.Fatalf("WaitForKey without input: %v", err)
	}
}

func TestQueryModeFallback(t *testing.T) {
	c := New(&bytes.Buffer{}, nil)
	cols, rows, err := c.QueryMode()
	if err != nil || cols != 80 || rows != 25 {
		t.Fatalf("QueryMode = %d, %d, %v", cols, rows, err)
	}
}

func TestStdioUsesProcessStreams(t *testing.T) {
	c := Stdio()
	if c.out != os.Stdout || c.in != os.Stdin {
		t.Fatalf("Stdio streams = %v, %v", c.out, c.in)
	}
	if c.Columns != 80 || c.Rows != 25 {
		t.Fatalf("fallback size = %dx%d", c.Columns, c.Rows)
	}
}
