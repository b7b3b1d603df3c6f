// Package transport defines the minimal interfaces the transfer engine
// needs from the underlying peer connection, so internal/engine,
// internal/backpressure and internal/recovery never import pion/webrtc
// directly (spec.md §9: "the transport itself is injected as a trait/
// interface collaborator"). internal/transport/webrtc.go adapts
// github.com/pion/webrtc/v3 to these interfaces; internal/transport/
// memtransport provides in-memory fakes for tests.
package transport

import "time"

// Channel is an ordered, reliable, message-oriented data channel exposing
// the observable backpressure signals spec.md §6 requires.
type Channel interface {
	// Send transmits a binary chunk frame.
	Send(data []byte) error
	// SendText transmits a string control frame.
	SendText(data string) error
	// BufferedAmount is the outbound byte backlog not yet flushed to the
	// network.
	BufferedAmount() uint64
	// SetBufferedAmountLowThreshold arms the level at which
	// OnBufferedAmountLow's registered callback fires next.
	SetBufferedAmountLowThreshold(threshold uint64)
	// OnBufferedAmountLow registers the low-buffer callback, replacing any
	// earlier one. Implementations invoke it when BufferedAmount drops at
	// or below the configured threshold, and may invoke it again on later
	// drops; it is not one-shot (the arbiter guards it with sync.Once).
	OnBufferedAmountLow(fn func())
	// MaxMessageSize is the transport's reported message cap, nil when
	// unknown.
	MaxMessageSize() *uint64
	// IsOpen reports whether the channel can currently send.
	IsOpen() bool
	// OnMessage registers the callbacks invoked as binary chunk frames and
	// UTF-8 control frames arrive (spec.md §6: the two frame kinds share
	// one channel, never multiplexed across files).
	OnMessage(onBinary func([]byte), onText func(string))
	// Close closes the channel. Idempotent.
	Close() error
}

// CandidatePairStats is a snapshot of one ICE candidate pair's measured
// round-trip time, used by the recovery controller's race-probe monitor.
type CandidatePairStats struct {
	RoundTripTime time.Duration
	Nominated     bool
}

// Stats is the subset of transport statistics the engine and recovery
// controller consume.
type Stats struct {
	SelectedPair *CandidatePairStats
	BestObserved *CandidatePairStats
}

// ConnectionState mirrors the subset of ICE/peer connection states the
// recovery controller reacts to.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateChecking
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

// PeerConnection is the subset of a WebRTC peer connection the recovery
// controller needs.
type PeerConnection interface {
	// RestartICE requests an ICE restart on the next offer. Returns an
	// error if the transport doesn't support it or the connection is
	// already closed.
	RestartICE() error
	// GetStats returns the latest transport statistics.
	GetStats() Stats
	// ConnectionState is the current aggregate connection state.
	ConnectionState() ConnectionState
	// OnConnectionStateChange registers a callback invoked on every
	// state transition.
	OnConnectionStateChange(fn func(ConnectionState))
	// Close tears down the connection. Idempotent.
	Close() error
}
