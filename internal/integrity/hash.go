// Package integrity provides the chunk and file hashing primitives shared
// by the sender and receiver. Both endpoints must agree on the same
// algorithm or checksums will never match (see Algorithm below).
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"strings"
)

// HashAlgorithm identifies which digest HashBytes uses.
type HashAlgorithm int

const (
	// SHA256 is the default, cryptographically strong algorithm; it is
	// selected by the Algorithm constant below, not negotiated per peer.
	SHA256 HashAlgorithm = iota
	// FNV1a is a fast, non-cryptographic 32-bit fallback for runtimes
	// that cannot do SHA-256 cheaply. It must never be mixed with a
	// SHA256 peer — see the Open Question in spec.md §9.
	FNV1a
)

// Algorithm is a build-time constant: the spec treats hash-algorithm
// selection as fixed rather than negotiated (spec.md §4.1, §9 Open
// Questions). Change it to FNV1a only if every deployed peer is rebuilt.
const Algorithm = SHA256

// HashBytes returns the hex digest of b under Algorithm.
func HashBytes(b []byte) string {
	switch Algorithm {
	case FNV1a:
		return hashFNV1a(b)
	default:
		sum := sha256.Sum256(b)
		return hex.EncodeToString(sum[:])
	}
}

func hashFNV1a(b []byte) string {
	h := fnv.New32a()
	h.Write(b) //nolint:errcheck // hash.Hash.Write never errors
	return hex.EncodeToString(h.Sum(nil))
}

// DeriveFileChecksum hashes the ordered list of per-chunk checksums joined
// by '\n'. It is deterministic and order-sensitive: both endpoints compute
// it from their own chunk checksum lists and compare the result, instead of
// re-hashing the whole file.
func DeriveFileChecksum(chunkChecksums []string) string {
	return HashBytes([]byte(strings.Join(chunkChecksums, "\n")))
}
