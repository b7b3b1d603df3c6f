package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peershare/transfer/internal/backpressure"
	"github.com/peershare/transfer/internal/chunkplan"
	"github.com/peershare/transfer/internal/clock"
	"github.com/peershare/transfer/internal/config"
	"github.com/peershare/transfer/internal/event"
	"github.com/peershare/transfer/internal/integrity"
	"github.com/peershare/transfer/internal/store"
	"github.com/peershare/transfer/internal/transport"
	"github.com/peershare/transfer/internal/xerrors"
)

// SenderTiming bundles the sender's per-connection timing tunables so
// internal/overrides-style tests can shrink them without touching the
// package constants, mirroring config.Backpressure/config.ChunkPlanner.
type SenderTiming struct {
	ReceiverReadyTimeout   time.Duration
	AutoResumeMaxWait      time.Duration
	AutoResumePollInterval time.Duration
}

// DefaultSenderTiming returns the spec.md §4.6 defaults.
func DefaultSenderTiming() SenderTiming {
	return SenderTiming{
		ReceiverReadyTimeout:   config.ReceiverReadyTimeout,
		AutoResumeMaxWait:      config.AutoResumeMaxWait,
		AutoResumePollInterval: config.AutoResumePollInterval,
	}
}

// outgoingSession is the live runtime state for one upload in flight,
// kept only for as long as a Sender call might still need to answer a
// request-retransmit against it.
type outgoingSession struct {
	uploadID       string
	source         FileSource
	chunkSize      int
	totalChunks    int
	size           int64
	nextChunkIndex int
	chunkChecksums []string
}

type readyEvent struct {
	resumeFromChunk int
}

// StatsSource is the subset of transport.PeerConnection the sender needs
// to sample round-trip time for the chunk planner (spec.md §4.2, §2 "calls
// C2 ... driven by measured RTT"). nil is a valid value: the planner then
// falls back to its default/message-size tiers, the same as before any
// stats are available.
type StatsSource interface {
	GetStats() transport.Stats
}

// Sender drives the outbound half of a single peer connection: one Sender
// serves every file offered over channel, serially, one at a time — the
// wire protocol has no file multiplexing (spec.md §6).
type Sender struct {
	channel transport.Channel
	arbiter *backpressure.Arbiter
	db      *store.Store
	planner config.ChunkPlanner
	clk     clock.Clock
	logger  *log.Logger
	timing  SenderTiming
	stats   StatsSource

	mu           sync.Mutex
	active       map[string]*outgoingSession
	readyWaiters map[string]chan readyEvent
	rttSampleMS  *int
	rttSampledAt time.Time
}

// NewSender wires a Sender to channel, registering it as the channel's
// text-message handler. channel must not already have a text handler
// registered by anyone else. stats may be nil when no peer connection
// statistics are available (e.g. an in-memory test channel); the chunk
// planner then runs without the RTT-adaptive tier.
func NewSender(channel transport.Channel, arbiter *backpressure.Arbiter, db *store.Store, planner config.ChunkPlanner, clk clock.Clock, logger *log.Logger, timing SenderTiming, stats StatsSource) *Sender {
	s := &Sender{
		channel:      channel,
		arbiter:      arbiter,
		db:           db,
		planner:      planner,
		clk:          clk,
		logger:       logger,
		timing:       timing,
		stats:        stats,
		active:       make(map[string]*outgoingSession),
		readyWaiters: make(map[string]chan readyEvent),
	}
	channel.OnMessage(nil, s.handleText)
	return s
}

func (s *Sender) handleText(raw string) {
	msg, err := decodeControl(raw)
	if err != nil {
		s.emit("transfer_control_parse_error", map[string]any{"error": err.Error()})
		return
	}
	switch msg.Type {
	case msgReceiverReady:
		s.deliverReady(msg.UploadID, msg.ResumeFromChunk)
	case msgRequestRetransmit:
		go s.handleRetransmitRequest(msg.UploadID, msg.FromChunk, msg.Reason)
	case msgTransferError:
		code, message := "", ""
		if msg.Error != nil {
			code, message = msg.Error.Code, msg.Error.Message
		}
		s.emit("transfer_send_receiver_error", map[string]any{"uploadId": msg.UploadID, "code": code, "message": message})
	}
}

func (s *Sender) deliverReady(uploadID string, resumeFromChunk int) {
	s.mu.Lock()
	ch, ok := s.readyWaiters[uploadID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- readyEvent{resumeFromChunk: resumeFromChunk}:
	default:
	}
}

func (s *Sender) armReadyWaiter(uploadID string) chan readyEvent {
	ch := make(chan readyEvent, 1)
	s.mu.Lock()
	s.readyWaiters[uploadID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Sender) disarmReadyWaiter(uploadID string) {
	s.mu.Lock()
	delete(s.readyWaiters, uploadID)
	s.mu.Unlock()
}

func (s *Sender) registerSession(sess *outgoingSession) {
	s.mu.Lock()
	s.active[sess.uploadID] = sess
	s.mu.Unlock()
}

func (s *Sender) unregisterSession(uploadID string) {
	s.mu.Lock()
	delete(s.active, uploadID)
	s.mu.Unlock()
}

// SendFile runs the full auto-resume loop (spec.md §4.6) for source: it
// selects a prior outgoing session by fingerprint if one exists, offers
// the file, waits for receiver-ready, streams chunks honoring
// backpressure, and retries from the last confirmed chunk whenever a
// recoverable send interruption occurs, until AutoResumeMaxWait elapses.
func (s *Sender) SendFile(ctx context.Context, source FileSource) error {
	deadline := s.clk.Now().Add(s.timing.AutoResumeMaxWait)

	uploadID := ""
	chunkSize := 0
	resumeChunk := 0
	if existing, found, err := s.db.FindOutgoingSessionByFingerprint(source.Fingerprint(), ""); err == nil && found &&
		existing.Size == source.Size() && existing.Status != store.StatusCompleted {
		uploadID = existing.UploadID
		chunkSize = existing.ChunkSize
		resumeChunk = existing.NextChunkIndex
		s.emit("transfer_send_resumed", map[string]any{"uploadId": uploadID, "resumeFromChunk": resumeChunk})
	} else {
		uploadID = uuid.NewString()
	}

	for {
		if s.clk.Now().After(deadline) {
			return xerrors.New(xerrors.CodeAutoResumeTimeout, "auto-resume deadline exceeded")
		}

		err := s.attemptTransfer(ctx, uploadID, source, chunkSize, resumeChunk)
		if err == nil {
			return nil
		}
		if !xerrors.Recoverable(err) {
			s.persistFailure(uploadID, err)
			return err
		}
		s.emit("transfer_send_retry", map[string]any{"uploadId": uploadID, "error": err.Error()})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.timing.AutoResumePollInterval):
		}

		if sess, found, _ := s.db.GetSession(store.SessionKey(store.Outgoing, uploadID)); found {
			resumeChunk = sess.NextChunkIndex
			chunkSize = sess.ChunkSize
		}
	}
}

func (s *Sender) attemptTransfer(ctx context.Context, uploadID string, source FileSource, priorChunkSize, localResumeChunk int) error {
	base := priorChunkSize
	if base == 0 {
		base = s.planner.BaseChunkSize
	}
	plan := chunkplan.Plan(base, s.effectiveMaxMessageSize(), s.effectiveRTTMS())
	chunkSize := plan.ChunkSize
	totalChunks := integrity.CalculateTotalChunks(source.Size(), chunkSize)

	sess := &outgoingSession{
		uploadID:       uploadID,
		source:         source,
		chunkSize:      chunkSize,
		totalChunks:    totalChunks,
		size:           source.Size(),
		nextChunkIndex: localResumeChunk,
		chunkChecksums: make([]string, totalChunks),
	}
	s.registerSession(sess)
	defer s.unregisterSession(uploadID)

	meta := FileMetadata{
		ProtocolVersion: ProtocolVersion,
		UploadID:        uploadID,
		Name:            source.Name(),
		Size:            source.Size(),
		Type:            source.MimeType(),
		ChunkSize:       chunkSize,
		TotalChunks:     totalChunks,
		Fingerprint:     source.Fingerprint(),
	}

	waitCh := s.armReadyWaiter(uploadID)
	defer s.disarmReadyWaiter(uploadID)

	if !s.channel.IsOpen() {
		return xerrors.New(xerrors.CodeDataChannelNotReady, "channel not open for file-offer")
	}
	if err := sendControl(s.channel, controlMessage{Type: msgFileOffer, UploadID: uploadID, Metadata: &meta}); err != nil {
		return xerrors.Wrap(xerrors.CodeDataChannelSendFailed, "send file-offer", err)
	}
	s.emit("transfer_send_offered", map[string]any{"uploadId": uploadID, "totalChunks": totalChunks, "chunkSize": chunkSize})

	var remoteResume int
	select {
	case ev := <-waitCh:
		remoteResume = ev.resumeFromChunk
	case <-time.After(s.timing.ReceiverReadyTimeout):
		return xerrors.New(xerrors.CodeTransferTimeout, "receiver-ready timeout")
	case <-ctx.Done():
		return ctx.Err()
	}

	startChunk := integrity.NormalizeChunkIndex(float64(maxInt(localResumeChunk, remoteResume)), totalChunks)
	if err := s.stream(ctx, sess, source, startChunk); err != nil {
		return err
	}
	return s.finish(sess)
}

func (s *Sender) stream(ctx context.Context, sess *outgoingSession, source FileSource, startChunk int) error {
	waitThreshold := s.arbiter.WaitThreshold()
	lastPercent := -1

	for i := startChunk; i < sess.totalChunks; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := int64(i) * int64(sess.chunkSize)
		end := integrity.BytesForChunkIndex(i+1, sess.chunkSize, sess.size)
		buf, err := source.ReadRange(start, end)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeChunkPersistFailed, "read chunk for send", err)
		}
		if mm := s.channel.MaxMessageSize(); mm != nil && uint64(len(buf)) > *mm {
			return xerrors.New(xerrors.CodeMessageTooLarge, "chunk exceeds transport max message size")
		}

		if s.channel.BufferedAmount() > waitThreshold {
			if err := s.arbiter.Wait(ctx, s.channel); err != nil {
				return xerrors.Wrap(xerrors.CodeDataChannelNotReady, "backpressure wait failed", err)
			}
		}
		if !s.channel.IsOpen() {
			return xerrors.New(xerrors.CodeDataChannelNotReady, "channel closed mid-stream")
		}
		if err := s.channel.Send(buf); err != nil {
			return xerrors.Wrap(xerrors.CodeDataChannelSendFailed, "send chunk", err)
		}

		sess.chunkChecksums[i] = integrity.HashBytes(buf)
		sess.nextChunkIndex = i + 1
		s.persistProgress(sess)

		percent := 100
		if sess.size > 0 {
			percent = int(float64(end) * 100 / float64(sess.size))
		}
		if percent != lastPercent || i == sess.totalChunks-1 {
			lastPercent = percent
			s.emit("transfer_send_progress", map[string]any{"uploadId": sess.uploadID, "percent": percent, "chunkIndex": i})
		}
	}
	return nil
}

func (s *Sender) finish(sess *outgoingSession) error {
	for i, c := range sess.chunkChecksums {
		if c != "" {
			continue
		}
		start := int64(i) * int64(sess.chunkSize)
		end := integrity.BytesForChunkIndex(i+1, sess.chunkSize, sess.size)
		buf, err := sess.source.ReadRange(start, end)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeChunkPersistFailed, "read chunk for checksum", err)
		}
		sess.chunkChecksums[i] = integrity.HashBytes(buf)
	}
	checksum := integrity.DeriveFileChecksum(sess.chunkChecksums)

	if err := sendControl(s.channel, controlMessage{Type: msgTransferComplete, UploadID: sess.uploadID, Checksum: checksum}); err != nil {
		return xerrors.Wrap(xerrors.CodeDataChannelSendFailed, "send transfer-complete", err)
	}
	s.persistStatus(sess, store.StatusCompleted, checksum)
	s.emit("transfer_send_complete", map[string]any{"uploadId": sess.uploadID, "checksum": checksum, "totalChunks": sess.totalChunks})
	return nil
}

// handleRetransmitRequest re-streams from fromChunk for an upload that is
// still registered (i.e. request-retransmit arrived while SendFile was
// still running, typically right after transfer-complete because the
// receiver's finalize pass found a gap or a checksum mismatch). If the
// session has already been torn down, the sender has nothing left to
// retransmit from and reports RETRANSMIT_NOT_SUPPORTED back to the
// receiver.
func (s *Sender) handleRetransmitRequest(uploadID string, fromChunk int, reason string) {
	s.mu.Lock()
	sess, ok := s.active[uploadID]
	s.mu.Unlock()
	if !ok {
		sendControl(s.channel, controlMessage{ //nolint:errcheck // best-effort notification
			Type: msgTransferError, UploadID: uploadID,
			Error: &errorPayload{Code: string(xerrors.CodeRetransmitNotSupported), Message: "no active outgoing session for upload"},
		})
		return
	}

	from := integrity.NormalizeChunkIndex(float64(fromChunk), sess.totalChunks)
	s.emit("transfer_retransmit_requested", map[string]any{"uploadId": uploadID, "fromChunk": from, "reason": reason})

	if err := s.stream(context.Background(), sess, sess.source, from); err != nil {
		s.persistStatus(sess, store.StatusFailed, "")
		s.emit("transfer_retransmit_failed", map[string]any{"uploadId": uploadID, "error": err.Error()})
		return
	}
	if err := s.finish(sess); err != nil {
		s.emit("transfer_retransmit_failed", map[string]any{"uploadId": uploadID, "error": err.Error()})
	}
}

func (s *Sender) effectiveMaxMessageSize() *uint64 {
	if s.planner.ForceMaxMessageSize != 0 {
		v := uint64(s.planner.ForceMaxMessageSize)
		return &v
	}
	return s.channel.MaxMessageSize()
}

func (s *Sender) effectiveRTTMS() *int {
	if s.planner.ForceRTTMS != 0 {
		v := s.planner.ForceRTTMS
		return &v
	}
	return s.sampledRTTMS()
}

// sampledRTTMS returns the most recently measured round-trip time, caching
// the sample for config.RuntimeRTTCacheTTL so planning a chunk size never
// triggers a fresh GetStats call per chunk (spec.md §4.2).
func (s *Sender) sampledRTTMS() *int {
	if s.stats == nil {
		return nil
	}

	now := s.clk.Now()
	s.mu.Lock()
	if s.rttSampleMS != nil && now.Sub(s.rttSampledAt) < config.RuntimeRTTCacheTTL {
		v := *s.rttSampleMS
		s.mu.Unlock()
		return &v
	}
	s.mu.Unlock()

	stats := s.stats.GetStats()
	pair := stats.SelectedPair
	if pair == nil {
		pair = stats.BestObserved
	}
	if pair == nil {
		return nil
	}
	ms := int(pair.RoundTripTime.Milliseconds())

	s.mu.Lock()
	s.rttSampleMS = &ms
	s.rttSampledAt = now
	s.mu.Unlock()
	return &ms
}

func (s *Sender) persistProgress(sess *outgoingSession) {
	s.persistStatus(sess, store.StatusActive, "")
}

func (s *Sender) persistStatus(sess *outgoingSession, status store.Status, checksum string) {
	now := s.clk.Now()
	key := store.SessionKey(store.Outgoing, sess.uploadID)
	existing, found, _ := s.db.GetSession(key)
	createdAt := now
	if found {
		createdAt = existing.CreatedAt
	}
	err := s.db.PutSession(store.Session{
		SessionKey:       key,
		Direction:        store.Outgoing,
		Status:           status,
		UploadID:         sess.uploadID,
		ProtocolVersion:  ProtocolVersion,
		Name:             sess.source.Name(),
		Size:             sess.size,
		Type:             sess.source.MimeType(),
		ChunkSize:        sess.chunkSize,
		TotalChunks:      sess.totalChunks,
		NextChunkIndex:   sess.nextChunkIndex,
		BytesTransferred: integrity.BytesForChunkIndex(sess.nextChunkIndex, sess.chunkSize, sess.size),
		Fingerprint:      sess.source.Fingerprint(),
		FileChecksum:     checksum,
		CreatedAt:        createdAt,
		UpdatedAt:        now,
	})
	if err != nil {
		s.emit("transfer_session_persist_failed", map[string]any{"uploadId": sess.uploadID, "error": err.Error()})
	}
}

func (s *Sender) persistFailure(uploadID string, cause error) {
	key := store.SessionKey(store.Outgoing, uploadID)
	sess, found, _ := s.db.GetSession(key)
	if !found {
		return
	}
	sess.Status = store.StatusFailed
	sess.UpdatedAt = s.clk.Now()
	if err := s.db.PutSession(sess); err != nil {
		s.emit("transfer_session_persist_failed", map[string]any{"uploadId": uploadID, "error": err.Error(), "cause": cause.Error()})
	}
}

func (s *Sender) emit(name string, payload map[string]any) {
	if s.logger == nil {
		return
	}
	event.Emit(s.logger, name, payload)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
