// Package engine implements the sender (C6) and receiver (C7) runtime
// sessions described in spec.md §4.6-§4.7: the control-message protocol
// carried as UTF-8 string frames, the binary chunk frames sharing the same
// channel, and the chunk-planning, backpressure, persistence, and
// retransmit plumbing that drives a single file transfer end to end.
// Grounded on the teacher's cli/main.go transfer loop, generalized from its
// single hardcoded file into the resumable, checksum-verified protocol
// spec.md §6 defines.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/peershare/transfer/internal/transport"
)

// Control message type tags (spec.md §6).
const (
	msgFileOffer         = "file-offer"
	msgReceiverReady     = "receiver-ready"
	msgTransferComplete  = "transfer-complete"
	msgRequestRetransmit = "request-retransmit"
	msgTransferError     = "transfer-error"
)

// ProtocolVersion is the wire protocol version this engine speaks
// (spec.md §3: "protocolVersion ... current = 2").
const ProtocolVersion = 2

// FileMetadata is the file-offer payload (spec.md §6). Fingerprint is
// carried for observability only; the receiver never uses it to decide
// resume behavior — that is keyed on uploadId.
type FileMetadata struct {
	ProtocolVersion int    `json:"protocolVersion"`
	UploadID        string `json:"uploadId"`
	Name            string `json:"name"`
	Size            int64  `json:"size"`
	Type            string `json:"type"`
	ChunkSize       int    `json:"chunkSize"`
	TotalChunks     int    `json:"totalChunks"`
	Fingerprint     string `json:"fingerprint,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// controlMessage is the on-wire union of every control message type. Only
// the fields relevant to Type are populated on send; unused fields are
// omitted via omitempty so each message on the wire looks like the
// spec.md §6 table, not a padded union struct.
type controlMessage struct {
	Type            string        `json:"type"`
	UploadID        string        `json:"uploadId,omitempty"`
	Metadata        *FileMetadata `json:"metadata,omitempty"`
	ResumeFromChunk int           `json:"resumeFromChunk,omitempty"`
	Checksum        string        `json:"checksum,omitempty"`
	FromChunk       int           `json:"fromChunk,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	Error           *errorPayload `json:"error,omitempty"`
}

func encodeControl(msg controlMessage) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("engine: encode control message %q: %w", msg.Type, err)
	}
	return string(b), nil
}

func decodeControl(raw string) (controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return controlMessage{}, fmt.Errorf("engine: decode control message: %w", err)
	}
	return msg, nil
}

// sendControl marshals and sends msg as a text frame on ch.
func sendControl(ch transport.Channel, msg controlMessage) error {
	raw, err := encodeControl(msg)
	if err != nil {
		return err
	}
	return ch.SendText(raw)
}
