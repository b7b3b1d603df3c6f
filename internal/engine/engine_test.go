package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/peershare/transfer/internal/backpressure"
	"github.com/peershare/transfer/internal/chunkplan"
	"github.com/peershare/transfer/internal/clock"
	"github.com/peershare/transfer/internal/config"
	"github.com/peershare/transfer/internal/finalize"
	"github.com/peershare/transfer/internal/store"
	"github.com/peershare/transfer/internal/transport/memtransport"
	"github.com/peershare/transfer/internal/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func memorySinkFactory() func(meta FileMetadata) (finalize.Sink, error) {
	return func(meta FileMetadata) (finalize.Sink, error) { return finalize.NewMemorySink(), nil }
}

func newSenderForTest(t *testing.T, ch *memtransport.Channel, timing SenderTiming) (*Sender, *store.Store) {
	t.Helper()
	db := newTestStore(t)
	arbiter := backpressure.New(config.DefaultBackpressure(), nil)
	return NewSender(ch, arbiter, db, config.DefaultChunkPlanner(), clock.Real{}, nil, timing, nil), db
}

func TestSendReceiveRoundTrip(t *testing.T) {
	senderCh, receiverCh := memtransport.NewPipe(nil)
	sender, _ := newSenderForTest(t, senderCh, DefaultSenderTiming())
	receiverStore := newTestStore(t)

	received := make(chan finalize.Ref, 1)
	receiver := NewReceiver(receiverCh, receiverStore, nil, memorySinkFactory(), ReceiverHandlers{
		OnFileReceived: func(meta FileMetadata, ref finalize.Ref) { received <- ref },
	})
	defer receiver.Close()

	data := bytes.Repeat([]byte("peershare-"), 10000) // spans multiple chunks at the default 64KiB chunk size
	source := NewMemoryFileSource("report.pdf", "application/pdf", data, time.Unix(0, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sender.SendFile(ctx, source))

	select {
	case ref := <-received:
		assert.Equal(t, data, ref.Bytes)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never completed")
	}
}

func TestSendReceiveZeroByteFile(t *testing.T) {
	senderCh, receiverCh := memtransport.NewPipe(nil)
	sender, _ := newSenderForTest(t, senderCh, DefaultSenderTiming())
	receiverStore := newTestStore(t)

	received := make(chan finalize.Ref, 1)
	receiver := NewReceiver(receiverCh, receiverStore, nil, memorySinkFactory(), ReceiverHandlers{
		OnFileReceived: func(meta FileMetadata, ref finalize.Ref) { received <- ref },
	})
	defer receiver.Close()

	source := NewMemoryFileSource("empty.txt", "text/plain", nil, time.Unix(0, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sender.SendFile(ctx, source))

	select {
	case ref := <-received:
		assert.Empty(t, ref.Bytes)
	case <-time.After(time.Second):
		t.Fatal("receiver never completed")
	}
}

func TestSenderRecoversFromTransientSendFailure(t *testing.T) {
	senderCh, receiverCh := memtransport.NewPipe(nil)
	timing := DefaultSenderTiming()
	timing.AutoResumePollInterval = 5 * time.Millisecond
	sender, _ := newSenderForTest(t, senderCh, timing)
	receiverStore := newTestStore(t)

	received := make(chan finalize.Ref, 1)
	receiver := NewReceiver(receiverCh, receiverStore, nil, memorySinkFactory(), ReceiverHandlers{
		OnFileReceived: func(meta FileMetadata, ref finalize.Ref) { received <- ref },
	})
	defer receiver.Close()

	data := bytes.Repeat([]byte("x"), 4096)
	source := NewMemoryFileSource("small.bin", "application/octet-stream", data, time.Unix(0, 0))

	// Fails the very first send (the file-offer control frame); Sender
	// must treat this as recoverable and retry the whole attempt.
	senderCh.SetSendError(xerrors.New(xerrors.CodeDataChannelSendFailed, "injected"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sender.SendFile(ctx, source))

	select {
	case ref := <-received:
		assert.Equal(t, data, ref.Bytes)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never completed")
	}
}

func TestHandleFileOfferResumesFromPersistedContiguousChunks(t *testing.T) {
	db := newTestStore(t)
	senderCh, receiverCh := memtransport.NewPipe(nil)

	replies := make(chan controlMessage, 4)
	senderCh.OnMessage(nil, func(raw string) {
		msg, err := decodeControl(raw)
		require.NoError(t, err)
		replies <- msg
	})

	receiver := NewReceiver(receiverCh, db, nil, memorySinkFactory(), ReceiverHandlers{})
	defer receiver.Close()

	meta := FileMetadata{UploadID: "u1", Name: "f.bin", Size: int64(chunkplan.MinChunkSize), ChunkSize: chunkplan.MinChunkSize, TotalChunks: 1}
	now := time.Now()
	require.NoError(t, db.PutSession(store.Session{
		SessionKey: store.SessionKey(store.Incoming, "u1"), Direction: store.Incoming, Status: store.StatusActive,
		UploadID: "u1", Size: meta.Size, ChunkSize: meta.ChunkSize, TotalChunks: 1, NextChunkIndex: 1,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, db.PutChunk(store.Chunk{UploadID: "u1", ChunkIndex: 0, Bytes: []byte("x"), Checksum: "c", Size: 1, UpdatedAt: now}))

	raw, err := encodeControl(controlMessage{Type: msgFileOffer, UploadID: "u1", Metadata: &meta})
	require.NoError(t, err)
	require.NoError(t, senderCh.SendText(raw))

	select {
	case msg := <-replies:
		require.Equal(t, msgReceiverReady, msg.Type)
		assert.Equal(t, 1, msg.ResumeFromChunk)
	case <-time.After(time.Second):
		t.Fatal("expected receiver-ready")
	}
}

func TestFinalizeMissingChunkRequestsRetransmit(t *testing.T) {
	db := newTestStore(t)
	senderCh, receiverCh := memtransport.NewPipe(nil)

	retransmits := make(chan controlMessage, 4)
	senderCh.OnMessage(nil, func(raw string) {
		msg, err := decodeControl(raw)
		require.NoError(t, err)
		if msg.Type == msgRequestRetransmit {
			retransmits <- msg
		}
	})

	receiver := NewReceiver(receiverCh, db, nil, memorySinkFactory(), ReceiverHandlers{})
	defer receiver.Close()

	meta := FileMetadata{UploadID: "u2", Name: "f.bin", Size: int64(chunkplan.MinChunkSize * 2), ChunkSize: chunkplan.MinChunkSize, TotalChunks: 2}
	sess := &incomingSession{uploadID: "u2", meta: meta, totalChunks: 2, chunkChecksums: make([]string, 2), lastPercent: -1}
	receiver.mu.Lock()
	receiver.current = sess
	receiver.mu.Unlock()

	receiver.persistChunk(sess, 0, bytes.Repeat([]byte{1}, chunkplan.MinChunkSize))
	// Chunk 1 is deliberately never persisted, simulating a dropped frame.
	receiver.finalizeSession(sess, "")

	select {
	case msg := <-retransmits:
		assert.Equal(t, 1, msg.FromChunk)
		assert.Equal(t, "missing_chunk", msg.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected a request-retransmit")
	}
}

// TestRetransmitServiceReplaysFromRequestedIndex exercises
// handleRetransmitRequest directly against a registered outgoing session,
// since a request-retransmit that arrives after SendFile has already
// returned (and unregistered the session) is the documented
// RETRANSMIT_NOT_SUPPORTED case, not this one.
func TestRetransmitServiceReplaysFromRequestedIndex(t *testing.T) {
	senderCh, receiverCh := memtransport.NewPipe(nil)
	sender, _ := newSenderForTest(t, senderCh, DefaultSenderTiming())

	var capturedBinary [][]byte
	var completeMsgs []controlMessage
	receiverCh.OnMessage(func(b []byte) {
		capturedBinary = append(capturedBinary, append([]byte(nil), b...))
	}, func(raw string) {
		msg, err := decodeControl(raw)
		require.NoError(t, err)
		completeMsgs = append(completeMsgs, msg)
	})

	data := bytes.Repeat([]byte("r"), chunkplan.MinChunkSize*3)
	source := NewMemoryFileSource("f.bin", "application/octet-stream", data, time.Unix(0, 0))

	sess := &outgoingSession{
		uploadID:       "u3",
		source:         source,
		chunkSize:      chunkplan.MinChunkSize,
		totalChunks:    3,
		size:           int64(len(data)),
		nextChunkIndex: 3,
		chunkChecksums: []string{"a", "b", "c"},
	}
	sender.registerSession(sess)

	sender.handleRetransmitRequest("u3", 1, "missing_chunk")

	require.Len(t, capturedBinary, 2)
	assert.Equal(t, data[chunkplan.MinChunkSize:2*chunkplan.MinChunkSize], capturedBinary[0])
	assert.Equal(t, data[2*chunkplan.MinChunkSize:], capturedBinary[1])
	require.Len(t, completeMsgs, 1)
	assert.Equal(t, msgTransferComplete, completeMsgs[0].Type)
}

func TestRetransmitNotSupportedWhenSessionAlreadyUnregistered(t *testing.T) {
	senderCh, receiverCh := memtransport.NewPipe(nil)
	sender, _ := newSenderForTest(t, senderCh, DefaultSenderTiming())

	errMsgs := make(chan controlMessage, 1)
	receiverCh.OnMessage(nil, func(raw string) {
		msg, err := decodeControl(raw)
		require.NoError(t, err)
		if msg.Type == msgTransferError {
			errMsgs <- msg
		}
	})

	sender.handleRetransmitRequest("unknown-upload", 0, "missing_chunk")

	select {
	case msg := <-errMsgs:
		require.NotNil(t, msg.Error)
		assert.Equal(t, string(xerrors.CodeRetransmitNotSupported), msg.Error.Code)
	case <-time.After(time.Second):
		t.Fatal("expected a transfer-error reply")
	}
}
