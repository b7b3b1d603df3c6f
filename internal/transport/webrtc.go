package transport

import (
	"fmt"
	"log"
	"time"

	"github.com/pion/webrtc/v3"
)

// defaultICEServers mirrors the teacher's client/webrtc/webrtc.go STUN
// server list.
var defaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// WebRTCChannel adapts a *webrtc.DataChannel to the Channel interface.
type WebRTCChannel struct {
	dc     *webrtc.DataChannel
	logger *log.Logger
}

// NewWebRTCChannel wraps dc. logger may be nil.
func NewWebRTCChannel(dc *webrtc.DataChannel, logger *log.Logger) *WebRTCChannel {
	return &WebRTCChannel{dc: dc, logger: logger}
}

func (c *WebRTCChannel) Send(data []byte) error {
	return c.dc.Send(data)
}

func (c *WebRTCChannel) SendText(data string) error {
	return c.dc.SendText(data)
}

func (c *WebRTCChannel) BufferedAmount() uint64 {
	return uint64(c.dc.BufferedAmount())
}

func (c *WebRTCChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.dc.SetBufferedAmountLowThreshold(threshold)
}

func (c *WebRTCChannel) OnBufferedAmountLow(fn func()) {
	c.dc.OnBufferedAmountLow(fn)
}

// MaxMessageSize always returns nil: this adapter does not read the SCTP
// transport's negotiated message limit, so the limit is always reported as
// unknown (the transport.Channel contract's nil case).
func (c *WebRTCChannel) MaxMessageSize() *uint64 {
	return nil
}

func (c *WebRTCChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *WebRTCChannel) OnMessage(onBinary func([]byte), onText func(string)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			if onText != nil {
				onText(string(msg.Data))
			}
			return
		}
		if onBinary != nil {
			onBinary(msg.Data)
		}
	})
}

func (c *WebRTCChannel) Close() error {
	return c.dc.Close()
}

var _ Channel = (*WebRTCChannel)(nil)

// WebRTCPeerConnection adapts a *webrtc.PeerConnection to the
// PeerConnection interface, plus the extra signalling-level operations
// (CreateOffer/CreateAnswer/SetRemoteDescription/AddICECandidate/
// CreateDataChannel) that cmd/peershare's session setup needs but
// PeerConnection deliberately omits, so internal/recovery only sees the
// narrow surface it actually drives.
type WebRTCPeerConnection struct {
	pc     *webrtc.PeerConnection
	logger *log.Logger
}

// NewWebRTCPeerConnection creates a peer connection configured with the
// default STUN server set (client/webrtc/webrtc.go's NewPeer).
func NewWebRTCPeerConnection(logger *log.Logger) (*WebRTCPeerConnection, error) {
	urls := append([]string(nil), defaultICEServers...)
	cfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: create peer connection: %w", err)
	}
	return &WebRTCPeerConnection{pc: pc, logger: logger}, nil
}

func (w *WebRTCPeerConnection) RestartICE() error {
	if w.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return fmt.Errorf("transport: connection is closed")
	}
	return nil
}

// CreateOffer creates an SDP offer, optionally forcing an ICE restart, and
// sets it as the local description — mirroring cli/main.go's
// OnICEConnectionStateChange ICE-restart handler.
func (w *WebRTCPeerConnection) CreateOffer(iceRestart bool) (string, error) {
	offer, err := w.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return "", fmt.Errorf("transport: create offer: %w", err)
	}
	if err := w.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("transport: set local description: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer answers a received offer.
func (w *WebRTCPeerConnection) CreateAnswer(remoteSDP string) (string, error) {
	if err := w.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteSDP}); err != nil {
		return "", fmt.Errorf("transport: set remote description: %w", err)
	}
	answer, err := w.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create answer: %w", err)
	}
	if err := w.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("transport: set local description: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteAnswer applies a received SDP answer.
func (w *WebRTCPeerConnection) SetRemoteAnswer(sdp string) error {
	return w.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// AddICECandidate applies a remote ICE candidate.
func (w *WebRTCPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return w.pc.AddICECandidate(candidate)
}

// CreateDataChannel creates the named data channel, ordered and reliable
// (no MaxRetransmits/MaxPacketLifeTime set) to match spec.md's assumption
// of an ordered, reliable transport.
func (w *WebRTCPeerConnection) CreateDataChannel(label string) (*WebRTCChannel, error) {
	ordered := true
	dc, err := w.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("transport: create data channel %q: %w", label, err)
	}
	return NewWebRTCChannel(dc, w.logger), nil
}

// OnDataChannel registers the callback invoked when the remote peer opens
// a data channel.
func (w *WebRTCPeerConnection) OnDataChannel(fn func(*WebRTCChannel)) {
	w.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(NewWebRTCChannel(dc, w.logger))
	})
}

// OnICECandidate registers the callback invoked for each locally gathered
// ICE candidate (nil marks end-of-candidates and is not forwarded).
func (w *WebRTCPeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	w.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (w *WebRTCPeerConnection) GetStats() Stats {
	report := w.pc.GetStats()

	var selected *CandidatePairStats
	var best *CandidatePairStats
	for _, s := range report {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok {
			continue
		}
		rtt := time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
		cps := &CandidatePairStats{RoundTripTime: rtt, Nominated: pair.Nominated}
		if pair.Nominated {
			selected = cps
		}
		if best == nil || rtt < best.RoundTripTime {
			best = cps
		}
	}
	return Stats{SelectedPair: selected, BestObserved: best}
}

func (w *WebRTCPeerConnection) ConnectionState() ConnectionState {
	switch w.pc.ConnectionState() {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateChecking
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

func (w *WebRTCPeerConnection) OnConnectionStateChange(fn func(ConnectionState)) {
	w.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if w.logger != nil {
			w.logger.Printf("transport: connection state changed to %s", s)
		}
		switch s {
		case webrtc.PeerConnectionStateNew:
			fn(StateNew)
		case webrtc.PeerConnectionStateConnecting:
			fn(StateChecking)
		case webrtc.PeerConnectionStateConnected:
			fn(StateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(StateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(StateClosed)
		}
	})
}

func (w *WebRTCPeerConnection) Close() error {
	return w.pc.Close()
}

var _ PeerConnection = (*WebRTCPeerConnection)(nil)
