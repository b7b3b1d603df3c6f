// transfer.go drives the multi-file send queue (C10) against the engine's
// one-file-at-a-time Sender, and handles files arriving on the receive
// side. Grounded on the teacher's /send command plus cli/transfer.go's
// sequential transfer loop, generalized from "one hardcoded file" to the
// queue's FIFO of FileSource-backed items.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/peershare/transfer/internal/engine"
	"github.com/peershare/transfer/internal/finalize"
	"github.com/peershare/transfer/internal/queue"
)

var (
	sourcesMu sync.Mutex
	sources   = map[string]engine.FileSource{}
)

func (s *session) enqueueSend(path string) error {
	source, err := engine.NewDiskFileSource(path, "", "application/octet-stream")
	if err != nil {
		return err
	}

	id := source.Fingerprint()
	sourcesMu.Lock()
	sources[id] = source
	sourcesMu.Unlock()

	s.queue.Enqueue(id, source.Name(), source.Size())
	fmt.Printf("Queued %s (%d bytes)\n", source.Name(), source.Size())
	s.triggerPump()
	return nil
}

func (s *session) printQueue() {
	items := s.queue.Items()
	if len(items) == 0 {
		fmt.Println("Queue is empty.")
		return
	}
	for _, it := range items {
		fmt.Printf("  [%s] %-30s %6s  %s\n", it.ID[:8], it.Name, parseVerbosePercent(it.SentBytes, it.TotalBytes), it.Status)
		if it.Error != "" {
			fmt.Printf("         error: %s\n", it.Error)
		}
	}
}

// triggerPump wakes the send-queue pump, which runs on its own goroutine
// so /send never blocks the input loop waiting for a transfer to finish.
func (s *session) triggerPump() {
	select {
	case s.pumpCh <- struct{}{}:
	default:
	}
}

// pumpLoop is the single goroutine that ever calls Sender.SendFile,
// matching spec.md §6's "no file multiplexing": the wire protocol allows
// exactly one file in flight, so the queue must serialize too.
func (s *session) pumpLoop() {
	for range s.pumpCh {
		for {
			id, ok := s.nextQueuedID()
			if !ok {
				break
			}
			s.sendQueuedItem(id)
		}
	}
}

func (s *session) nextQueuedID() (string, bool) {
	for _, it := range s.queue.Items() {
		if it.Status == queue.StatusQueued {
			return it.ID, true
		}
	}
	return "", false
}

func (s *session) sendQueuedItem(id string) {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		fmt.Println("Not connected to a peer yet; file stays queued until /accept completes.")
		return
	}

	sourcesMu.Lock()
	source := sources[id]
	sourcesMu.Unlock()
	if source == nil {
		s.queue.MarkFailed(id, "source no longer available") //nolint:errcheck // best-effort
		return
	}

	if err := s.queue.MarkSending(id); err != nil {
		return
	}
	fmt.Printf("\nSending %s...\n", source.Name())

	if err := sender.SendFile(context.Background(), source); err != nil {
		s.queue.MarkFailed(id, err.Error()) //nolint:errcheck // best-effort
		fmt.Printf("\nFailed to send %s: %v\n", source.Name(), err)
		return
	}
	s.queue.MarkCompleted(id) //nolint:errcheck // best-effort
	fmt.Printf("\nSent %s\n", source.Name())
}

// onFileReceived is the Receiver's completion callback: it writes nothing
// itself, since diskSinkFactory already streamed the file to disk — it
// only reports the result, mirroring the teacher's "MD5 verification
// successful" completion message.
func (s *session) onFileReceived(meta engine.FileMetadata, ref finalize.Ref) {
	fmt.Printf("\nReceived %s (%d bytes) -> %s\n", meta.Name, meta.Size, ref.Path)
}

// diskSinkFactory picks a non-colliding destination path for an incoming
// file the same way the teacher's client/main.go does: append "_received"
// to the base name if the original already exists.
func diskSinkFactory(meta engine.FileMetadata) (finalize.Sink, error) {
	path := destinationPath(meta.Name)
	return finalize.NewDiskSink(".", path)
}

func destinationPath(name string) string {
	if name == "" {
		name = "received.bin"
	}
	if _, err := os.Stat(name); err != nil {
		return name
	}
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	return fmt.Sprintf("%s_received%s", base, ext)
}
