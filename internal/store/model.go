// Package store is the persistent transfer store (C3, spec.md §4.3): a
// durable key-value service with a sessions bucket and a chunks bucket,
// backed by go.etcd.io/bbolt the way Auriora-OneMount persists resumable
// upload sessions (LastSuccessfulChunk/TotalChunks/BytesUploaded/CanResume)
// to a bolt bucket keyed by session ID.
package store

import "time"

// Direction distinguishes an outgoing (sender) session from an incoming
// (receiver) one. Session keys are namespaced by direction so the same
// uploadId can exist on both sides of a connection without colliding.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// SessionKey returns the "incoming:"|"outgoing:" + uploadId key spec.md §3
// defines.
func SessionKey(dir Direction, uploadID string) string {
	return string(dir) + ":" + uploadID
}

// Session is the durable per-(direction, uploadId) record (spec.md §3
// PersistedSession).
type Session struct {
	SessionKey  string    `json:"sessionKey"`
	Direction   Direction `json:"direction"`
	Status      Status    `json:"status"`

	UploadID        string `json:"uploadId"`
	ProtocolVersion int    `json:"protocolVersion"`
	Name            string `json:"name"`
	Size            int64  `json:"size"`
	Type            string `json:"type"`
	ChunkSize       int    `json:"chunkSize"`
	TotalChunks     int    `json:"totalChunks"`

	NextChunkIndex   int    `json:"nextChunkIndex"`
	BytesTransferred int64  `json:"bytesTransferred"`
	RemotePeerID     string `json:"remotePeerId,omitempty"`
	Fingerprint      string `json:"fingerprint,omitempty"`
	FileChecksum     string `json:"fileChecksum,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Chunk is the durable record for one (uploadId, chunkIndex) pair (spec.md
// §3 PersistedChunk).
type Chunk struct {
	UploadID   string    `json:"uploadId"`
	ChunkIndex int       `json:"chunkIndex"`
	Bytes      []byte    `json:"bytes"`
	Checksum   string    `json:"checksum"`
	Size       int       `json:"size"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
