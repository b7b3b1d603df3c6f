package finalize

import (
	"bytes"
	"fmt"
	"os"
)

// Ref is what a Sink produces on a successful Close: either the path of a
// file written to disk, or the in-memory bytes, never both.
type Ref struct {
	Path  string
	Bytes []byte
}

// Sink accumulates chunk bytes during finalize. Exactly one of the two
// implementations below is used per finalize call; both guarantee that on
// Abort any temp resource is released and the sink never retains chunks
// after Close (spec.md §4.4).
type Sink interface {
	Write(p []byte) error
	Close() (Ref, error)
	Abort()
}

// MemorySink concatenates chunks into an in-memory buffer. Used when the
// runtime exposes no streaming disk handle, or for small files.
type MemorySink struct {
	buf bytes.Buffer
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Write(p []byte) error {
	_, err := m.buf.Write(p)
	return err
}

func (m *MemorySink) Close() (Ref, error) {
	b := m.buf.Bytes()
	m.buf = bytes.Buffer{}
	return Ref{Bytes: b}, nil
}

func (m *MemorySink) Abort() {
	m.buf = bytes.Buffer{}
}

// DiskSink writes incrementally to a temp file and renames it into place
// on Close, avoiding O(size) peak memory for large files (spec.md §5).
type DiskSink struct {
	f         *os.File
	tmpPath   string
	finalPath string
}

// NewDiskSink creates a temp file in dir that will be renamed to finalPath
// on a successful Close.
func NewDiskSink(dir, finalPath string) (*DiskSink, error) {
	f, err := os.CreateTemp(dir, "peershare-recv-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("finalize: create temp file: %w", err)
	}
	return &DiskSink{f: f, tmpPath: f.Name(), finalPath: finalPath}, nil
}

func (d *DiskSink) Write(p []byte) error {
	_, err := d.f.Write(p)
	return err
}

func (d *DiskSink) Close() (Ref, error) {
	if err := d.f.Close(); err != nil {
		os.Remove(d.tmpPath)
		return Ref{}, fmt.Errorf("finalize: close temp file: %w", err)
	}
	if d.finalPath != "" {
		if err := os.Rename(d.tmpPath, d.finalPath); err != nil {
			os.Remove(d.tmpPath)
			return Ref{}, fmt.Errorf("finalize: rename into place: %w", err)
		}
		return Ref{Path: d.finalPath}, nil
	}
	return Ref{Path: d.tmpPath}, nil
}

func (d *DiskSink) Abort() {
	d.f.Close()
	os.Remove(d.tmpPath)
}
