package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	sessionsBucket = []byte("sessions")
	chunksBucket   = []byte("chunks") // one nested bucket per uploadId
)

// Store wraps a bbolt database with the sessions and chunks buckets spec.md
// §4.3 describes. All writes run inside db.Update; bbolt's single-writer
// transaction is what makes concurrent PutSession/PutChunk calls safe
// without the store needing its own locking.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database at path and ensures
// the top-level buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(chunksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// PutSession upserts sess, keyed by sess.SessionKey.
func (s *Store) PutSession(sess Session) error {
	if sess.SessionKey == "" {
		return fmt.Errorf("store: session key is required")
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(sess.SessionKey), b)
	})
}

// GetSession returns the session for key, or (Session{}, false, nil) if
// absent.
func (s *Store) GetSession(sessionKey string) (Session, bool, error) {
	var sess Session
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(sessionsBucket).Get([]byte(sessionKey))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &sess)
	})
	if err != nil {
		return Session{}, false, fmt.Errorf("store: get session %s: %w", sessionKey, err)
	}
	return sess, found, nil
}

// FindOutgoingSessionByFingerprint returns the most-recently-updated
// non-completed outgoing session matching fingerprint, preferring a match
// on remotePeerID when more than one exists.
func (s *Store) FindOutgoingSessionByFingerprint(fingerprint, remotePeerID string) (Session, bool, error) {
	var best Session
	var found bool
	var bestIsSamePeer bool

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(sessionsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				continue
			}
			if sess.Direction != Outgoing || sess.Status == StatusCompleted {
				continue
			}
			if sess.Fingerprint != fingerprint {
				continue
			}
			samePeer := remotePeerID != "" && sess.RemotePeerID == remotePeerID
			switch {
			case !found:
				best, found, bestIsSamePeer = sess, true, samePeer
			case samePeer && !bestIsSamePeer:
				best, bestIsSamePeer = sess, true
			case samePeer == bestIsSamePeer && sess.UpdatedAt.After(best.UpdatedAt):
				best = sess
			}
		}
		return nil
	})
	if err != nil {
		return Session{}, false, fmt.Errorf("store: find by fingerprint: %w", err)
	}
	return best, found, nil
}

// PruneStaleSessions deletes every upload whose session has
// updatedAt < now-maxAge, returning the count removed.
func (s *Store) PruneStaleSessions(now time.Time, maxAge time.Duration) (int, error) {
	cutoff := now.Add(-maxAge)
	var stale []string

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(sessionsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				continue
			}
			if sess.UpdatedAt.Before(cutoff) {
				stale = append(stale, sess.UploadID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: scan for stale sessions: %w", err)
	}

	for _, uploadID := range stale {
		if err := s.DeleteUpload(uploadID); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// chunkKey encodes a chunk index as a 4-byte big-endian key so chunks sort
// in index order within their upload's nested bucket.
func chunkKey(index int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(index))
	return k
}

// PutChunk upserts chunk under its (UploadID, ChunkIndex) key.
func (s *Store) PutChunk(chunk Chunk) error {
	b, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("store: marshal chunk: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		upload, err := tx.Bucket(chunksBucket).CreateBucketIfNotExists([]byte(chunk.UploadID))
		if err != nil {
			return err
		}
		return upload.Put(chunkKey(chunk.ChunkIndex), b)
	})
}

// GetChunk returns the chunk at index for uploadID, or (Chunk{}, false, nil)
// if absent.
func (s *Store) GetChunk(uploadID string, index int) (Chunk, bool, error) {
	var chunk Chunk
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		upload := tx.Bucket(chunksBucket).Bucket([]byte(uploadID))
		if upload == nil {
			return nil
		}
		raw := upload.Get(chunkKey(index))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &chunk)
	})
	if err != nil {
		return Chunk{}, false, fmt.Errorf("store: get chunk %s[%d]: %w", uploadID, index, err)
	}
	return chunk, found, nil
}

// GetChunkCount returns how many chunks are persisted for uploadID,
// irrespective of contiguity.
func (s *Store) GetChunkCount(uploadID string) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		upload := tx.Bucket(chunksBucket).Bucket([]byte(uploadID))
		if upload == nil {
			return nil
		}
		n = upload.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: count chunks %s: %w", uploadID, err)
	}
	return n, nil
}

// GetContiguousChunkCount returns the length of the longest 0-based prefix
// of chunk indices present with no gap, capped at totalChunks.
func (s *Store) GetContiguousChunkCount(uploadID string, totalChunks int) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		upload := tx.Bucket(chunksBucket).Bucket([]byte(uploadID))
		if upload == nil {
			return nil
		}
		for n < totalChunks {
			if upload.Get(chunkKey(n)) == nil {
				break
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: contiguous count %s: %w", uploadID, err)
	}
	return n, nil
}

// DeleteChunksFrom deletes every chunk at index >= fromChunk for uploadID.
func (s *Store) DeleteChunksFrom(uploadID string, fromChunk int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		upload := tx.Bucket(chunksBucket).Bucket([]byte(uploadID))
		if upload == nil {
			return nil
		}
		c := upload.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(chunkKey(fromChunk)); k != nil; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := upload.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteUpload atomically deletes uploadID's session and all of its
// chunks.
func (s *Store) DeleteUpload(uploadID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		c := sessions.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				continue
			}
			if sess.UploadID == uploadID {
				if err := sessions.Delete(k); err != nil {
					return err
				}
			}
		}
		if tx.Bucket(chunksBucket).Bucket([]byte(uploadID)) != nil {
			return tx.Bucket(chunksBucket).DeleteBucket([]byte(uploadID))
		}
		return nil
	})
}
