package engine

import (
	"log"
	"sync"
	"time"

	"github.com/peershare/transfer/internal/chunkplan"
	"github.com/peershare/transfer/internal/config"
	"github.com/peershare/transfer/internal/event"
	"github.com/peershare/transfer/internal/finalize"
	"github.com/peershare/transfer/internal/integrity"
	"github.com/peershare/transfer/internal/store"
	"github.com/peershare/transfer/internal/transport"
	"github.com/peershare/transfer/internal/xerrors"
)

// incomingSession is the live runtime state for the single file currently
// receiving. Only one such session ever exists at a time (spec.md §6): a
// new file-offer replaces it outright, matching the teacher's single
// currentReceivingFileId field.
type incomingSession struct {
	uploadID    string
	meta        FileMetadata
	totalChunks int

	mu             sync.Mutex
	receivedChunks int // frames accepted off the wire, guards overflow
	persistedCount int // frames durably written, drives resume + progress
	lastPercent    int
	chunkChecksums []string
}

// Receiver drives the inbound half of a single peer connection.
type Receiver struct {
	channel transport.Channel
	db      *store.Store
	logger  *log.Logger
	newSink func(meta FileMetadata) (finalize.Sink, error)

	onFileOffered  func(meta FileMetadata)
	onFileReceived func(meta FileMetadata, ref finalize.Ref)

	mu      sync.Mutex
	current *incomingSession
	closed  bool

	writeQueue chan func()
	stopped    chan struct{}
}

// ReceiverHandlers are optional observer callbacks a caller can attach;
// either may be nil.
type ReceiverHandlers struct {
	OnFileOffered  func(meta FileMetadata)
	OnFileReceived func(meta FileMetadata, ref finalize.Ref)
}

// NewReceiver wires a Receiver to channel, registering it as the channel's
// message handler, and starts the single-consumer write-queue goroutine
// that serializes chunk persistence and finalize work so the channel's
// delivery callback is never blocked on disk I/O (spec.md §4.7).
// newSink is called at the start of each finalize pass (once per
// transfer-complete that reaches finalize), not while chunks arrive.
func NewReceiver(channel transport.Channel, db *store.Store, logger *log.Logger, newSink func(meta FileMetadata) (finalize.Sink, error), handlers ReceiverHandlers) *Receiver {
	r := &Receiver{
		channel:        channel,
		db:             db,
		logger:         logger,
		newSink:        newSink,
		onFileOffered:  handlers.OnFileOffered,
		onFileReceived: handlers.OnFileReceived,
		writeQueue:     make(chan func(), 256),
		stopped:        make(chan struct{}),
	}
	channel.OnMessage(r.handleBinary, r.handleText)
	go r.runWriteQueue()
	return r
}

// Close stops the write-queue goroutine. Idempotent.
func (r *Receiver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.stopped)
}

func (r *Receiver) runWriteQueue() {
	for {
		select {
		case job := <-r.writeQueue:
			job()
		case <-r.stopped:
			return
		}
	}
}

func (r *Receiver) enqueueWrite(job func()) {
	select {
	case r.writeQueue <- job:
	case <-r.stopped:
	}
}

func (r *Receiver) handleText(raw string) {
	msg, err := decodeControl(raw)
	if err != nil {
		r.emit("transfer_control_parse_error", map[string]any{"error": err.Error()})
		return
	}
	switch msg.Type {
	case msgFileOffer:
		if msg.Metadata != nil {
			r.handleFileOffer(*msg.Metadata)
		}
	case msgTransferComplete:
		r.handleTransferComplete(msg.UploadID, msg.Checksum)
	}
}

func (r *Receiver) handleFileOffer(meta FileMetadata) {
	if meta.UploadID == "" {
		r.sendError("", xerrors.CodeInvalidFileID, "file-offer missing uploadId")
		return
	}
	if meta.ChunkSize < chunkplan.MinChunkSize || meta.Size < 0 {
		r.sendError(meta.UploadID, xerrors.CodeInvalidMetadata, "file-offer has invalid chunkSize or size")
		return
	}
	if meta.Size > config.MemoryGuardThresholdBytes {
		r.emit("transfer_receive_memory_guard", map[string]any{"uploadId": meta.UploadID, "size": meta.Size, "thresholdBytes": config.MemoryGuardThresholdBytes})
	}
	totalChunks := integrity.CalculateTotalChunks(meta.Size, meta.ChunkSize)
	meta.TotalChunks = totalChunks

	key := store.SessionKey(store.Incoming, meta.UploadID)
	resumeFromChunk := 0
	if existing, found, err := r.db.GetSession(key); err == nil && found &&
		existing.Size == meta.Size && existing.ChunkSize == meta.ChunkSize &&
		existing.TotalChunks == totalChunks && existing.Status != store.StatusCompleted {
		contiguous, cErr := r.db.GetContiguousChunkCount(meta.UploadID, totalChunks)
		if cErr == nil {
			resumeFromChunk = contiguous
			if existing.NextChunkIndex < resumeFromChunk {
				resumeFromChunk = existing.NextChunkIndex
			}
		}
	} else {
		r.db.DeleteUpload(meta.UploadID) //nolint:errcheck // best-effort cleanup of a stale mismatched session
	}

	now := time.Now()
	r.db.PutSession(store.Session{ //nolint:errcheck // best-effort; a failed write just means resume starts from 0 next offer
		SessionKey:      key,
		Direction:       store.Incoming,
		Status:          store.StatusActive,
		UploadID:        meta.UploadID,
		ProtocolVersion: meta.ProtocolVersion,
		Name:            meta.Name,
		Size:            meta.Size,
		Type:            meta.Type,
		ChunkSize:       meta.ChunkSize,
		TotalChunks:     totalChunks,
		NextChunkIndex:  resumeFromChunk,
		Fingerprint:     meta.Fingerprint,
		CreatedAt:       now,
		UpdatedAt:       now,
	})

	sess := &incomingSession{
		uploadID:       meta.UploadID,
		meta:           meta,
		totalChunks:    totalChunks,
		receivedChunks: resumeFromChunk,
		persistedCount: resumeFromChunk,
		lastPercent:    -1,
		chunkChecksums: make([]string, totalChunks),
	}
	for i := 0; i < resumeFromChunk; i++ {
		if chunk, found, err := r.db.GetChunk(meta.UploadID, i); err == nil && found {
			sess.chunkChecksums[i] = chunk.Checksum
		}
	}

	r.mu.Lock()
	r.current = sess
	r.mu.Unlock()

	r.emit("transfer_receive_offered", map[string]any{"uploadId": meta.UploadID, "totalChunks": totalChunks, "resumeFromChunk": resumeFromChunk})
	sendControl(r.channel, controlMessage{Type: msgReceiverReady, UploadID: meta.UploadID, ResumeFromChunk: resumeFromChunk}) //nolint:errcheck // surfaced via emitted events, not a return path
	if r.onFileOffered != nil {
		r.onFileOffered(meta)
	}
}

// handleBinary is called synchronously from the transport's delivery path
// for every binary frame; it only reserves the chunk's index and copies
// the bytes before handing off to the write queue, so the transport's
// read loop is never blocked on bbolt I/O.
func (r *Receiver) handleBinary(data []byte) {
	r.mu.Lock()
	sess := r.current
	r.mu.Unlock()
	if sess == nil {
		return
	}

	sess.mu.Lock()
	if sess.receivedChunks >= sess.totalChunks {
		sess.mu.Unlock()
		return
	}
	idx := sess.receivedChunks
	sess.receivedChunks++
	sess.mu.Unlock()

	buf := append([]byte(nil), data...)
	r.enqueueWrite(func() { r.persistChunk(sess, idx, buf) })
}

func (r *Receiver) persistChunk(sess *incomingSession, idx int, data []byte) {
	checksum := integrity.HashBytes(data)
	err := r.db.PutChunk(store.Chunk{
		UploadID:   sess.uploadID,
		ChunkIndex: idx,
		Bytes:      data,
		Checksum:   checksum,
		Size:       len(data),
		UpdatedAt:  time.Now(),
	})
	if err != nil {
		r.emit("transfer_chunk_persist_failed", map[string]any{"uploadId": sess.uploadID, "chunkIndex": idx, "error": err.Error()})
		return
	}

	sess.mu.Lock()
	sess.chunkChecksums[idx] = checksum
	sess.persistedCount = idx + 1
	persisted := sess.persistedCount
	lastPercent := sess.lastPercent
	sess.mu.Unlock()

	bytesTransferred := integrity.BytesForChunkIndex(persisted, sess.meta.ChunkSize, sess.meta.Size)
	r.persistSessionProgress(sess, bytesTransferred, persisted)

	percent := 100
	if sess.meta.Size > 0 {
		percent = int(bytesTransferred * 100 / sess.meta.Size)
	}
	if percent != lastPercent || persisted == sess.totalChunks {
		sess.mu.Lock()
		sess.lastPercent = percent
		sess.mu.Unlock()
		r.emit("transfer_receive_progress", map[string]any{"uploadId": sess.uploadID, "percent": percent, "chunkIndex": idx})
	}
}

func (r *Receiver) persistSessionProgress(sess *incomingSession, bytesTransferred int64, nextChunkIndex int) {
	key := store.SessionKey(store.Incoming, sess.uploadID)
	existing, found, _ := r.db.GetSession(key)
	if !found {
		return
	}
	existing.NextChunkIndex = nextChunkIndex
	existing.BytesTransferred = bytesTransferred
	existing.UpdatedAt = time.Now()
	if err := r.db.PutSession(existing); err != nil {
		r.emit("transfer_session_persist_failed", map[string]any{"uploadId": sess.uploadID, "error": err.Error()})
	}
}

// handleTransferComplete enqueues the finalize pass as the next write-queue
// job, which is how it "awaits" every chunk persisted before it without an
// explicit wait: the queue is FIFO and single-consumer.
func (r *Receiver) handleTransferComplete(uploadID, checksum string) {
	r.mu.Lock()
	sess := r.current
	r.mu.Unlock()
	if sess == nil || sess.uploadID != uploadID {
		return
	}
	r.enqueueWrite(func() { r.finalizeSession(sess, checksum) })
}

func (r *Receiver) finalizeSession(sess *incomingSession, expectedChecksum string) {
	result, err := finalize.Finalize(r.db, sess.uploadID, sess.totalChunks, expectedChecksum, func() (finalize.Sink, error) {
		return r.newSink(sess.meta)
	})
	if err != nil {
		r.emit("transfer_finalize_error", map[string]any{"uploadId": sess.uploadID, "error": err.Error()})
		return
	}

	switch result.Outcome {
	case finalize.OutcomeMissingChunk:
		r.requestRetransmit(sess, result.MissingAt, "missing_chunk")
	case finalize.OutcomeChecksumMismatch:
		r.emit("transfer_checksum_mismatch", map[string]any{"uploadId": sess.uploadID, "computed": result.Computed, "expected": expectedChecksum})
		r.requestRetransmit(sess, 0, string(xerrors.CodeChecksumMismatch))
	case finalize.OutcomeSuccess:
		r.emit("transfer_receive_complete", map[string]any{"uploadId": sess.uploadID, "checksum": result.FileChecksum})
		key := store.SessionKey(store.Incoming, sess.uploadID)
		if existing, found, _ := r.db.GetSession(key); found {
			existing.Status = store.StatusCompleted
			existing.FileChecksum = result.FileChecksum
			existing.UpdatedAt = time.Now()
			r.db.PutSession(existing) //nolint:errcheck // best-effort; the upload is deleted next anyway
		}
		r.db.DeleteUpload(sess.uploadID) //nolint:errcheck // best-effort cleanup once the file is safely on disk
		r.mu.Lock()
		if r.current == sess {
			r.current = nil
		}
		r.mu.Unlock()
		if r.onFileReceived != nil {
			r.onFileReceived(sess.meta, result.Ref)
		}
	}
}

func (r *Receiver) requestRetransmit(sess *incomingSession, fromChunk int, reason string) {
	from := integrity.NormalizeChunkIndex(float64(fromChunk), sess.totalChunks)

	sess.mu.Lock()
	for i := from; i < len(sess.chunkChecksums); i++ {
		sess.chunkChecksums[i] = ""
	}
	sess.persistedCount = from
	sess.receivedChunks = from
	sess.lastPercent = -1
	sess.mu.Unlock()

	if err := r.db.DeleteChunksFrom(sess.uploadID, from); err != nil {
		r.emit("transfer_retransmit_request_failed", map[string]any{"uploadId": sess.uploadID, "error": err.Error()})
		return
	}
	r.persistSessionProgress(sess, integrity.BytesForChunkIndex(from, sess.meta.ChunkSize, sess.meta.Size), from)

	r.emit("transfer_receive_retransmit_requested", map[string]any{"uploadId": sess.uploadID, "fromChunk": from, "reason": reason})
	sendControl(r.channel, controlMessage{ //nolint:errcheck // surfaced via emitted events, not a return path
		Type: msgRequestRetransmit, UploadID: sess.uploadID, FromChunk: from, Reason: reason,
	})
}

func (r *Receiver) sendError(uploadID string, code xerrors.Code, message string) {
	r.emit("transfer_receive_rejected", map[string]any{"uploadId": uploadID, "code": string(code), "message": message})
	sendControl(r.channel, controlMessage{ //nolint:errcheck // best-effort notification back to the sender
		Type: msgTransferError, UploadID: uploadID,
		Error: &errorPayload{Code: string(code), Message: message},
	})
}

func (r *Receiver) emit(name string, payload map[string]any) {
	if r.logger == nil {
		return
	}
	event.Emit(r.logger, name, payload)
}
