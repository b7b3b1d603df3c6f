package integrity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBytesDeterministic(t *testing.T) {
	a := HashBytes([]byte("hello"))
	b := HashBytes([]byte("hello"))
	require.Equal(t, a, b)
	assert.NotEqual(t, a, HashBytes([]byte("hello!")))
}

func TestDeriveFileChecksumOrderSensitive(t *testing.T) {
	forward := DeriveFileChecksum([]string{"a", "b", "c"})
	reversed := DeriveFileChecksum([]string{"c", "b", "a"})
	assert.NotEqual(t, forward, reversed)
	assert.Equal(t, forward, DeriveFileChecksum([]string{"a", "b", "c"}))
}

func TestFingerprint(t *testing.T) {
	mtime := time.UnixMilli(1234)
	fp := Fingerprint("report.pdf", 1024, "", mtime)
	assert.Equal(t, "report.pdf::1024::application/octet-stream::1234", fp)

	fpType := Fingerprint("report.pdf", 1024, "application/pdf", mtime)
	assert.NotEqual(t, fp, fpType)
}

func TestCalculateTotalChunks(t *testing.T) {
	assert.Equal(t, 0, CalculateTotalChunks(0, 1024))
	assert.Equal(t, 1, CalculateTotalChunks(1, 1024))
	assert.Equal(t, 1, CalculateTotalChunks(1024, 1024))
	assert.Equal(t, 2, CalculateTotalChunks(1025, 1024))
}

func TestBytesForChunkIndex(t *testing.T) {
	assert.EqualValues(t, 0, BytesForChunkIndex(0, 1024, 4096))
	assert.EqualValues(t, 1024, BytesForChunkIndex(1, 1024, 4096))
	assert.EqualValues(t, 4096, BytesForChunkIndex(10, 1024, 4096), "saturates at size")
}

func TestNormalizeChunkIndex(t *testing.T) {
	assert.Equal(t, 0, NormalizeChunkIndex(-5, 10))
	assert.Equal(t, 10, NormalizeChunkIndex(99, 10))
	assert.Equal(t, 3, NormalizeChunkIndex(3.7, 10))
}
