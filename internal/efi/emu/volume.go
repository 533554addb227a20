package emu

import (
	"errors"
	"io/fs"
	"path"
	"strings"

	"github.com/tinyrange/zenith/internal/efi"
)

// volume exposes an fs.FS as a read-only firmware volume. Paths use
// backslash separators and are rooted at the volume.
type volume struct {
	m    *Machine
	fsys fs.FS
}

func (v *volume) OpenVolume() (efi.File, error) {
	if v.m.exited {
		return nil, efi.Unsupported
	}
	v.m.openFiles++
	return &file{v: v, name: ".", dir: true}, nil
}

type file struct {
	v      *volume
	name   string
	dir    bool
	data   []byte
	pos    uint64
	closed bool
}

func (f *file) Open(name string, mode efi.OpenMode, attrs efi.FileAttribute) (efi.File, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	if !f.dir {
		return nil, efi.Unsupported
	}
	if mode&(efi.FileModeWrite|efi.FileModeCreate) != 0 {
		return nil, efi.WriteProtected
	}

	p := resolve(f.name, name)
	info, err := fs.Stat(f.v.fsys, p)
	if err != nil {
		return nil, fsStatus(err)
	}
	child := &file{v: f.v, name: p, dir: info.IsDir()}
	if !child.dir {
		data, err := fs.ReadFile(f.v.fsys, p)
		if err != nil {
			return nil, fsStatus(err)
		}
		child.data = data
	}
	f.v.m.openFiles++
	return child, nil
}

func (f *file) Read(p []byte) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	if f.dir {
		return 0, efi.Unsupported
	}
	if f.pos >= uint64(len(f.data)) {
		return 0, nil
	}
	n := copy(p, f.data[f.pos:])
	f.pos += uint64(n)
	return n, nil
}

func (f *file) SetPosition(pos uint64) error {
	if err := f.check(); err != nil {
		return err
	}
	if f.dir && pos != 0 {
		return efi.Unsupported
	}
	f.pos = pos
	return nil
}

func (f *file) Close() error {
	if f.closed {
		return efi.InvalidParameter
	}
	f.closed = true
	f.v.m.openFiles--
	return nil
}

func (f *file) check() error {
	if f.closed {
		return efi.InvalidParameter
	}
	if f.v.m.exited {
		return efi.Unsupported
	}
	return nil
}

// resolve turns a firmware path into an fs.FS path relative to the
// volume root.
func resolve(dir, name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(name, "/") {
		dir = "."
	}
	p := path.Clean(path.Join(dir, strings.TrimLeft(name, "/")))
	if p == "/" || p == "" {
		return "."
	}
	return strings.TrimPrefix(p, "/")
}

func fsStatus(err error) efi.Status {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return efi.NotFound
	case errors.Is(err, fs.ErrPermission):
		return efi.AccessDenied
	case errors.Is(err, fs.ErrInvalid):
		return efi.InvalidParameter
	}
	return efi.DeviceError
}
