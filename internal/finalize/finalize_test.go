package finalize

import (
	"os"
	"testing"

	"github.com/peershare/transfer/internal/integrity"
	"github.com/peershare/transfer/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	chunks map[int]store.Chunk
}

func (f *fakeSource) GetChunk(uploadID string, index int) (store.Chunk, bool, error) {
	c, ok := f.chunks[index]
	return c, ok, nil
}

func chunkFor(i int, data []byte) store.Chunk {
	return store.Chunk{ChunkIndex: i, Bytes: data, Checksum: integrity.HashBytes(data), Size: len(data)}
}

func TestFinalizeSuccess(t *testing.T) {
	parts := [][]byte{[]byte("hello "), []byte("world")}
	src := &fakeSource{chunks: map[int]store.Chunk{
		0: chunkFor(0, parts[0]),
		1: chunkFor(1, parts[1]),
	}}
	checksums := []string{src.chunks[0].Checksum, src.chunks[1].Checksum}
	expected := integrity.DeriveFileChecksum(checksums)

	res, err := Finalize(src, "u1", 2, expected, func() (Sink, error) { return NewMemorySink(), nil })
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "hello world", string(res.Ref.Bytes))
	assert.Equal(t, expected, res.FileChecksum)
}

func TestFinalizeMissingChunk(t *testing.T) {
	src := &fakeSource{chunks: map[int]store.Chunk{0: chunkFor(0, []byte("a"))}}
	res, err := Finalize(src, "u1", 3, "", func() (Sink, error) { return NewMemorySink(), nil })
	require.NoError(t, err)
	assert.Equal(t, OutcomeMissingChunk, res.Outcome)
	assert.Equal(t, 1, res.MissingAt)
}

func TestFinalizeChecksumMismatch(t *testing.T) {
	src := &fakeSource{chunks: map[int]store.Chunk{0: chunkFor(0, []byte("a"))}}
	res, err := Finalize(src, "u1", 1, "not-the-real-checksum", func() (Sink, error) { return NewMemorySink(), nil })
	require.NoError(t, err)
	assert.Equal(t, OutcomeChecksumMismatch, res.Outcome)
	assert.NotEmpty(t, res.Computed)
}

func TestFinalizeZeroByteFile(t *testing.T) {
	src := &fakeSource{chunks: map[int]store.Chunk{}}
	expected := integrity.DeriveFileChecksum(nil)
	res, err := Finalize(src, "u1", 0, expected, func() (Sink, error) { return NewMemorySink(), nil })
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Empty(t, res.Ref.Bytes)
}

func TestDiskSinkWritesAndRenames(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewDiskSink(dir, dir+"/out.bin")
	require.NoError(t, err)
	require.NoError(t, sink.Write([]byte("payload")))
	ref, err := sink.Close()
	require.NoError(t, err)
	assert.Equal(t, dir+"/out.bin", ref.Path)
}

func TestDiskSinkAbortRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewDiskSink(dir, dir+"/out.bin")
	require.NoError(t, err)
	require.NoError(t, sink.Write([]byte("partial")))
	sink.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
