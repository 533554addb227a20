// Package display picks the graphics mode handed to the kernel.
package display

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/zenith/internal/efi"
)

const (
	Width  = 640
	Height = 480

	// MaxPixelFormat is the highest supported pixel format. Formats are
	// compared by ordinal so every bit mask or blt-only format is refused.
	MaxPixelFormat = efi.BlueGreenRedReserved8BitPerColor
)

var ErrNoMode = errors.New("graphics mode 640x480 is not supported")

// Mode is the negotiated graphics mode.
type Mode struct {
	Index       uint32
	Info        efi.ModeInfo
	FrameBuffer uint64
}

// Acceptable reports whether info can be handed to the kernel.
func Acceptable(info efi.ModeInfo) bool {
	return info.HorizontalResolution == Width &&
		info.VerticalResolution == Height &&
		info.PixelFormat <= MaxPixelFormat
}

// Negotiate returns the lowest numbered acceptable mode. A failed query
// for any mode aborts the search.
func Negotiate(gop efi.GraphicsOutput) (Mode, error) {
	maxMode := gop.MaxMode()
	for m := uint32(0); m < maxMode; m++ {
		info, err := gop.QueryMode(m)
		if err != nil {
			return Mode{}, fmt.Errorf("query graphics mode %d: %w", m, err)
		}
		slog.Debug("graphics mode",
			"mode", m,
			"width", info.HorizontalResolution,
			"height", info.VerticalResolution,
			"format", info.PixelFormat)
		if Acceptable(info) {
			return Mode{
				Index:       m,
				Info:        info,
				FrameBuffer: gop.FrameBufferBase(),
			}, nil
		}
	}
	return Mode{}, fmt.Errorf("%w (%d modes checked)", ErrNoMode, maxMode)
}
