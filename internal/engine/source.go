package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/peershare/transfer/internal/integrity"
)

// FileSource is the sender-side abstraction over "a file to transfer",
// playing the role the browser File/Blob object plays in the teacher's
// client: something the engine can ask for a byte range without holding
// the whole thing resident for the lifetime of the transfer.
type FileSource interface {
	Name() string
	Size() int64
	MimeType() string
	// Fingerprint is the sender-local resume key (spec.md §4.1). The
	// sender also copies it into the file-offer metadata, where the
	// receiver only records it.
	Fingerprint() string
	// ReadRange returns the bytes in [start, end).
	ReadRange(start, end int64) ([]byte, error)
}

// MemoryFileSource serves a file already resident in memory.
type MemoryFileSource struct {
	name        string
	mimeType    string
	data        []byte
	fingerprint string
}

// NewMemoryFileSource wraps data, deriving a fingerprint from name, size,
// mimeType and lastModified.
func NewMemoryFileSource(name, mimeType string, data []byte, lastModified time.Time) *MemoryFileSource {
	fp := integrity.Fingerprint(name, int64(len(data)), mimeType, lastModified)
	return &MemoryFileSource{name: name, mimeType: mimeType, data: data, fingerprint: fp}
}

func (m *MemoryFileSource) Name() string        { return m.name }
func (m *MemoryFileSource) Size() int64         { return int64(len(m.data)) }
func (m *MemoryFileSource) MimeType() string    { return m.mimeType }
func (m *MemoryFileSource) Fingerprint() string { return m.fingerprint }

func (m *MemoryFileSource) ReadRange(start, end int64) ([]byte, error) {
	if start < 0 || end > int64(len(m.data)) || start > end {
		return nil, fmt.Errorf("engine: invalid range [%d,%d) for %d-byte source", start, end, len(m.data))
	}
	return m.data[start:end], nil
}

// DiskFileSource serves a file by re-opening and seeking it per read,
// avoiding holding large files resident in memory on the sender side
// (spec.md §5 memory guard).
type DiskFileSource struct {
	path        string
	name        string
	mimeType    string
	size        int64
	fingerprint string
}

// NewDiskFileSource stats path to derive size and an mtime-based
// fingerprint.
func NewDiskFileSource(path, name, mimeType string) (*DiskFileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("engine: stat %s: %w", path, err)
	}
	if name == "" {
		name = info.Name()
	}
	fp := integrity.Fingerprint(name, info.Size(), mimeType, info.ModTime())
	return &DiskFileSource{path: path, name: name, mimeType: mimeType, size: info.Size(), fingerprint: fp}, nil
}

func (d *DiskFileSource) Name() string        { return d.name }
func (d *DiskFileSource) Size() int64         { return d.size }
func (d *DiskFileSource) MimeType() string    { return d.mimeType }
func (d *DiskFileSource) Fingerprint() string { return d.fingerprint }

func (d *DiskFileSource) ReadRange(start, end int64) ([]byte, error) {
	if start < 0 || end > d.size || start > end {
		return nil, fmt.Errorf("engine: invalid range [%d,%d) for %d-byte file %s", start, end, d.size, d.path)
	}
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("engine: open %s: %w", d.path, err)
	}
	defer f.Close()

	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return nil, fmt.Errorf("engine: read %s at %d: %w", d.path, start, err)
	}
	return buf, nil
}
