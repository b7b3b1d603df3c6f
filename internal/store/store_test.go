package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetSession(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	sess := Session{
		SessionKey: SessionKey(Outgoing, "u1"),
		Direction:  Outgoing,
		Status:     StatusActive,
		UploadID:   "u1",
		Size:       100,
		ChunkSize:  10,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.PutSession(sess))

	got, found, err := s.GetSession(sess.SessionKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, sess.UploadID, got.UploadID)

	_, found, err = s.GetSession("missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestFindOutgoingSessionByFingerprintPrefersRecentAndSamePeer(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	older := Session{
		SessionKey: SessionKey(Outgoing, "old"), Direction: Outgoing, Status: StatusActive,
		UploadID: "old", Fingerprint: "fp", RemotePeerID: "other", UpdatedAt: base,
	}
	newer := Session{
		SessionKey: SessionKey(Outgoing, "new"), Direction: Outgoing, Status: StatusActive,
		UploadID: "new", Fingerprint: "fp", RemotePeerID: "other", UpdatedAt: base.Add(time.Minute),
	}
	samePeer := Session{
		SessionKey: SessionKey(Outgoing, "same"), Direction: Outgoing, Status: StatusActive,
		UploadID: "same", Fingerprint: "fp", RemotePeerID: "peerA", UpdatedAt: base,
	}
	completed := Session{
		SessionKey: SessionKey(Outgoing, "done"), Direction: Outgoing, Status: StatusCompleted,
		UploadID: "done", Fingerprint: "fp", RemotePeerID: "peerA", UpdatedAt: base.Add(time.Hour),
	}

	for _, sess := range []Session{older, newer, samePeer, completed} {
		require.NoError(t, s.PutSession(sess))
	}

	got, found, err := s.FindOutgoingSessionByFingerprint("fp", "peerA")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "same", got.UploadID, "same-peer match should win over a more recent other-peer match")

	got, found, err = s.FindOutgoingSessionByFingerprint("fp", "nonexistent-peer")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "new", got.UploadID, "falls back to most recently updated non-completed match")
}

func TestChunkLifecycle(t *testing.T) {
	s := newTestStore(t)
	uploadID := "u1"

	for i := 0; i < 5; i++ {
		require.NoError(t, s.PutChunk(Chunk{UploadID: uploadID, ChunkIndex: i, Bytes: []byte{byte(i)}, Checksum: "c", Size: 1}))
	}
	// Leave a gap at index 5.
	require.NoError(t, s.PutChunk(Chunk{UploadID: uploadID, ChunkIndex: 6, Bytes: []byte{6}, Checksum: "c", Size: 1}))

	n, err := s.GetChunkCount(uploadID)
	require.NoError(t, err)
	require.Equal(t, 6, n)

	contiguous, err := s.GetContiguousChunkCount(uploadID, 10)
	require.NoError(t, err)
	require.Equal(t, 5, contiguous)

	chunk, found, err := s.GetChunk(uploadID, 3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte{3}, chunk.Bytes)

	require.NoError(t, s.DeleteChunksFrom(uploadID, 3))
	n, err = s.GetChunkCount(uploadID)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestDeleteUploadRemovesSessionAndChunks(t *testing.T) {
	s := newTestStore(t)
	uploadID := "u1"
	require.NoError(t, s.PutSession(Session{SessionKey: SessionKey(Incoming, uploadID), Direction: Incoming, UploadID: uploadID, UpdatedAt: time.Now()}))
	require.NoError(t, s.PutChunk(Chunk{UploadID: uploadID, ChunkIndex: 0, Bytes: []byte{1}}))

	require.NoError(t, s.DeleteUpload(uploadID))

	_, found, err := s.GetSession(SessionKey(Incoming, uploadID))
	require.NoError(t, err)
	require.False(t, found)

	n, err := s.GetChunkCount(uploadID)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestPruneStaleSessions(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	fresh := Session{SessionKey: SessionKey(Outgoing, "fresh"), Direction: Outgoing, UploadID: "fresh", UpdatedAt: now}
	stale := Session{SessionKey: SessionKey(Outgoing, "stale"), Direction: Outgoing, UploadID: "stale", UpdatedAt: now.Add(-48 * time.Hour)}
	require.NoError(t, s.PutSession(fresh))
	require.NoError(t, s.PutSession(stale))

	n, err := s.PruneStaleSessions(now, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, found, _ := s.GetSession(fresh.SessionKey)
	require.True(t, found)
	_, found, _ = s.GetSession(stale.SessionKey)
	require.False(t, found)
}
