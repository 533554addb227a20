// Command zenith boots a kernel image on an emulated firmware machine.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/zenith/internal/boot"
	"github.com/tinyrange/zenith/internal/config"
	"github.com/tinyrange/zenith/internal/console"
	"github.com/tinyrange/zenith/internal/efi"
	"github.com/tinyrange/zenith/internal/efi/emu"
	"github.com/tinyrange/zenith/internal/handoff"
	"github.com/tinyrange/zenith/internal/timeslice"
)

func main() {
	code, err := run(os.Args[1:], console.Stdio())
	if err != nil {
		fmt.Fprintf(os.Stderr, "zenith: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

// run boots once with con as the firmware console and returns the process
// exit code: zero when the kernel was entered, otherwise the low byte of
// the firmware status.
func run(args []string, con *console.Terminal) (int, error) {
	fset := flag.NewFlagSet("zenith", flag.ContinueOnError)

	kernelFile := fset.String("kernel", "", "Host kernel image placed on the boot volume")
	volumeDir := fset.String("volume", "", "Host directory used as the boot volume")
	machinePath := fset.String("machine", config.MachinePath(""), "Machine description (YAML)")
	quiet := fset.Bool("quiet", false, "Suppress the banner, warnings and progress output")
	debug := fset.Bool("debug", false, "Enable debug logging")
	pause := fset.Bool("pause", false, "Wait for a key after errors and before leaving firmware services")
	tracePath := fset.String("trace", "", "Write per-stage boot timings to this file")

	if err := fset.Parse(args); err != nil {
		return 2, err
	}
	if (*kernelFile == "") == (*volumeDir == "") {
		return 2, fmt.Errorf("exactly one of -kernel or -volume is required")
	}

	machine := config.Default()
	if *machinePath != "" {
		m, err := config.Load(*machinePath)
		if err != nil {
			return 1, err
		}
		machine = m
	}
	machine.ApplyEnv()
	machine.Boot.Quiet = machine.Boot.Quiet || *quiet
	machine.Boot.Pause = machine.Boot.Pause || *pause
	machine.Boot.Debug = machine.Boot.Debug || *debug
	if machine.Boot.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	var volume fs.FS
	if *volumeDir != "" {
		volume = os.DirFS(*volumeDir)
	} else {
		v, err := kernelVolume(*kernelFile, machine.Boot.KernelPath, machine.Boot.Quiet)
		if err != nil {
			return 1, err
		}
		volume = v
	}

	defer con.Reset()

	cfg, err := machine.EmuConfig(volume, con)
	if err != nil {
		return 1, err
	}
	cfg.Kernel = reportHandoff

	m, err := emu.New(cfg)
	if err != nil {
		return 1, err
	}
	defer m.Close()

	opts := machine.BootOptions()
	if *tracePath != "" {
		stop, err := traceStages(*tracePath, &opts)
		if err != nil {
			return 1, err
		}
		defer stop()
	}

	out := m.Run(func(p efi.Platform) error {
		return boot.Boot(p, opts)
	})
	switch {
	case out.Panic != nil:
		return 1, fmt.Errorf("boot panicked: %v", out.Panic)
	case out.Entered:
		return 0, nil
	}
	status := boot.ExitStatus(out.Err)
	slog.Debug("boot failed", "status", status, "error", out.Err)
	return int(status & 0xff), nil
}

// traceStages records the duration of every boot stage into path. The
// returned function ends the last stage and closes the file.
func traceStages(path string, opts *boot.Options) (func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace: %w", err)
	}
	var kinds []string
	for s := boot.StageInit; s <= boot.StageHandoff; s++ {
		kinds = append(kinds, s.String())
	}
	tr, err := timeslice.Open(f, kinds)
	if err != nil {
		f.Close()
		return nil, err
	}

	rec := timeslice.NewRecorder(tr)
	opts.OnStage = func(s boot.Stage) { rec.Mark(timeslice.Kind(s)) }
	return func() {
		rec.Stop()
		if err := tr.Close(); err != nil {
			slog.Warn("write trace", "error", err)
		}
		if err := f.Close(); err != nil {
			slog.Warn("close trace", "error", err)
		}
	}, nil
}

// kernelVolume reads the host kernel into an in-memory volume at the
// firmware path kernelPath.
func kernelVolume(hostPath, kernelPath string, quiet bool) (fs.FS, error) {
	f, err := os.Open(hostPath)
	if err != nil {
		return nil, fmt.Errorf("open kernel: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat kernel: %w", err)
	}

	var buf bytes.Buffer
	var w io.Writer = &buf
	if !quiet {
		bar := progressbar.DefaultBytes(info.Size(), "reading kernel")
		defer bar.Close()
		w = io.MultiWriter(&buf, bar)
	}
	if _, err := io.Copy(w, f); err != nil {
		return nil, fmt.Errorf("read kernel: %w", err)
	}

	name := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(kernelPath, `\`, "/")), "/")
	return &kernelFS{name: name, data: buf.Bytes(), modTime: info.ModTime()}, nil
}

// reportHandoff stands in for the kernel and logs what it was handed.
func reportHandoff(k *emu.KernelContext) {
	info, err := handoff.ReadBootInfo(k.Memory, k.LoadBase)
	if err != nil {
		slog.Warn("kernel entered without boot info", "error", err)
		return
	}
	mm, err := handoff.ReadMemoryMap(k.Memory, k.LoadBase)
	if err != nil {
		slog.Warn("kernel entered without memory map", "error", err)
		return
	}
	descs, err := mm.Descriptors(k.Memory)
	if err != nil {
		slog.Warn("memory map unreadable", "error", err)
	}

	slog.Info("kernel entered",
		"entry", fmt.Sprintf("%#x", uint64(k.Entry)),
		"base", fmt.Sprintf("%#x", k.LoadBase),
		"framebuffer", fmt.Sprintf("%#x", info.FrameBuffer),
		"mode", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"stride", info.PixelsPerScanLine,
		"format", info.PixelFormat,
		"descriptors", mm.Entries)
	for _, d := range descs {
		slog.Debug("memory",
			"type", d.Type,
			"start", fmt.Sprintf("%#x", d.PhysicalStart),
			"pages", d.NumberOfPages)
	}
}
