// Package timeslice records how long each stage of a boot attempt took.
//
// A trace file is a header, a JSON table of slice kinds, then fixed size
// records of (kind, nanoseconds).
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	Magic   uint32 = 0x4352545a // "ZTRC"
	Version uint32 = 1
)

var ErrBadTrace = errors.New("timeslice: not a trace file")

type header struct {
	Magic      uint32
	Version    uint32
	KindsCount uint32
	KindsSize  uint32
}

type record struct {
	Kind     uint32
	_        uint32
	Duration int64
}

// Kind identifies a named slice. Kinds are only meaningful within one
// trace.
type Kind uint32

// Trace writes records to an underlying writer. It is not safe for
// concurrent use; a boot attempt runs on a single goroutine.
type Trace struct {
	w     *bufio.Writer
	kinds []string
	err   error
}

// Open writes a trace header naming kinds and returns the trace. Kind i
// of the returned trace is kinds[i].
func Open(w io.Writer, kinds []string) (*Trace, error) {
	table, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, header{
		Magic:      Magic,
		Version:    Version,
		KindsCount: uint32(len(kinds)),
		KindsSize:  uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := bw.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	return &Trace{w: bw, kinds: append([]string(nil), kinds...)}, nil
}

// Record appends one slice. The first write error sticks and is returned
// by Close.
func (t *Trace) Record(kind Kind, d time.Duration) {
	if t.err != nil {
		return
	}
	if int(kind) >= len(t.kinds) {
		t.err = fmt.Errorf("timeslice: unknown kind %d", kind)
		return
	}
	t.err = binary.Write(t.w, binary.LittleEndian, record{Kind: uint32(kind), Duration: d.Nanoseconds()})
}

// Close flushes buffered records.
func (t *Trace) Close() error {
	if t.err != nil {
		return t.err
	}
	return t.w.Flush()
}

// Recorder times consecutive slices: each Mark ends the running slice and
// starts the next one.
type Recorder struct {
	t       *Trace
	now     func() time.Time
	running Kind
	started time.Time
	active  bool
}

func NewRecorder(t *Trace) *Recorder {
	return &Recorder{t: t, now: time.Now}
}

// Mark ends the running slice, if any, and starts kind.
func (r *Recorder) Mark(kind Kind) {
	now := r.now()
	if r.active {
		r.t.Record(r.running, now.Sub(r.started))
	}
	r.running, r.started, r.active = kind, now, true
}

// Stop ends the running slice without starting another.
func (r *Recorder) Stop() {
	if r.active {
		r.t.Record(r.running, r.now().Sub(r.started))
		r.active = false
	}
}

// ReadAll decodes a trace and calls fn for every record in order.
func ReadAll(r io.Reader, fn func(kind string, d time.Duration) error) error {
	buf := bufio.NewReader(r)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if h.Magic != Magic {
		return ErrBadTrace
	}
	if h.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", h.Version)
	}

	var kinds []string
	if err := json.NewDecoder(io.LimitReader(buf, int64(h.KindsSize))).Decode(&kinds); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if len(kinds) != int(h.KindsCount) {
		return fmt.Errorf("timeslice: header names %d kinds, table has %d", h.KindsCount, len(kinds))
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		if int(rec.Kind) >= len(kinds) {
			return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
		}
		if err := fn(kinds[rec.Kind], time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}
