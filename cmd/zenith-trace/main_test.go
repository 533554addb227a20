package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/zenith/internal/timeslice"
)

func writeTrace(t *testing.T, dir, name string, durations ...time.Duration) string {
	t.Helper()
	var buf bytes.Buffer
	tr, err := timeslice.Open(&buf, []string{"load segments", "handoff"})
	if err != nil {
		t.Fatal(err)
	}
	for i, d := range durations {
		tr.Record(timeslice.Kind(i%2), d)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSums(t *testing.T) {
	dir := t.TempDir()
	a := writeTrace(t, dir, "a.trace", 10*time.Millisecond, time.Millisecond)
	b := writeTrace(t, dir, "b.trace", 30*time.Millisecond, 3*time.Millisecond)

	var out bytes.Buffer
	if err := run([]string{"-sums", a, b}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("output = %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "load segments") || !strings.Contains(lines[0], "count=2") || !strings.Contains(lines[0], "avg=20ms") {
		t.Fatalf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "min=1ms") || !strings.Contains(lines[1], "max=3ms") {
		t.Fatalf("line 1 = %q", lines[1])
	}
}

func TestListAndErrors(t *testing.T) {
	dir := t.TempDir()
	a := writeTrace(t, dir, "a.trace", 5*time.Millisecond)

	var out bytes.Buffer
	if err := run([]string{a}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "load segments") || !strings.Contains(out.String(), "5ms") {
		t.Fatalf("output = %q", out.String())
	}

	if err := run(nil, &out); err == nil {
		t.Fatalf("run without traces succeeded")
	}
	if err := run([]string{filepath.Join(dir, "missing")}, &out); err == nil {
		t.Fatalf("run with missing trace succeeded")
	}
}
