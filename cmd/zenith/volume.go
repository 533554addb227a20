package main

import (
	"bytes"
	"io/fs"
	"path"
	"time"
)

// kernelFS is a read-only volume holding a single file.
type kernelFS struct {
	name    string
	data    []byte
	modTime time.Time
}

func (k *kernelFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	switch name {
	case k.name:
		return &kernelFile{
			Reader: bytes.NewReader(k.data),
			info:   fileInfo{name: path.Base(name), size: int64(len(k.data)), modTime: k.modTime},
		}, nil
	case ".":
		return &kernelFile{
			Reader: bytes.NewReader(nil),
			info:   fileInfo{name: ".", dir: true, modTime: k.modTime},
		}, nil
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

type kernelFile struct {
	*bytes.Reader
	info fileInfo
}

func (f *kernelFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *kernelFile) Close() error               { return nil }

type fileInfo struct {
	name    string
	size    int64
	dir     bool
	modTime time.Time
}

func (i fileInfo) Name() string       { return i.name }
func (i fileInfo) Size() int64        { return i.size }
func (i fileInfo) ModTime() time.Time { return i.modTime }
func (i fileInfo) IsDir() bool        { return i.dir }
func (i fileInfo) Sys() any           { return nil }

func (i fileInfo) Mode() fs.FileMode {
	if i.dir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}
