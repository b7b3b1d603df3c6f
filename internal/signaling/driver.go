package signaling

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Role is assigned once the register handshake completes: the room's
// creator is the Initiator and is solely responsible for sending the first
// offer and for driving ICE restarts (spec.md §4.9, §4.8).
type Role string

const (
	RoleUnknown   Role = ""
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

// conn is the subset of *websocket.Conn the Driver uses, so tests can
// supply an in-process fake instead of dialing a real server.
type conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Handlers are the callbacks the Driver invokes as messages arrive. Any
// may be left nil.
type Handlers struct {
	OnRegistered  func(peerID string, role Role)
	OnPeerJoined  func(peerID string)
	OnPeerLeft    func(peerID string)
	OnOffer       func(sdp string)
	OnAnswer      func(sdp string)
	OnICECandidate func(candidate string)
	OnError       func(message string)
}

// Driver is the session driver for one room membership: it owns the
// rendezvous connection, assigns Role from the register response, and
// buffers ICE candidates that arrive before the caller confirms
// SetRemoteDescription succeeded.
type Driver struct {
	c        conn
	logger   *log.Logger
	handlers Handlers

	mu            sync.Mutex
	role          Role
	peerID        string
	targetID      string
	remoteDescSet bool
	pending       []string
	closed        bool
}

// NewDriver wraps an already-established connection. Exposed for tests;
// production callers normally use Dial.
func NewDriver(c conn, logger *log.Logger, handlers Handlers) *Driver {
	d := &Driver{c: c, logger: logger, handlers: handlers}
	go d.readLoop()
	return d
}

// Dial connects to the signalling relay at wsURL, retrying with
// exponential backoff the way the teacher's NewSignaler does (up to 5
// attempts, 1s·2^attempt between them), then starts the read loop.
func Dial(wsURL string, logger *log.Logger, handlers Handlers) (*Driver, error) {
	dialer := &websocket.Dialer{
		TLSClientConfig:  &tls.Config{},
		HandshakeTimeout: 45 * time.Second,
	}
	headers := make(http.Header)

	const maxAttempts = 5
	var wsConn *websocket.Conn
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			if logger != nil {
				logger.Printf("signaling: retry %d/%d after %v", attempt+1, maxAttempts, backoff)
			}
			time.Sleep(backoff)
		}
		wsConn, _, err = dialer.Dial(wsURL, headers)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", wsURL, err)
	}
	return NewDriver(wsConn, logger, handlers), nil
}

// Role reports the role assigned by the last successful register
// handshake.
func (d *Driver) Role() Role {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role
}

// Register sends a register message for roomID and returns without
// waiting for the reply; the dispatch loop delivers OnRegistered
// asynchronously, so callers that need to block should do so via their own
// channel inside OnRegistered.
func (d *Driver) Register(roomID string) error {
	return d.send(Message{Type: TypeRegister, RoomID: roomID})
}

// SendOffer forwards an SDP offer to targetID.
func (d *Driver) SendOffer(targetID, sdp string) error {
	return d.sendWithPayload(TypeOffer, targetID, sdpPayload{SDP: sdp})
}

// SendAnswer forwards an SDP answer to targetID.
func (d *Driver) SendAnswer(targetID, sdp string) error {
	return d.sendWithPayload(TypeAnswer, targetID, sdpPayload{SDP: sdp})
}

// SendICECandidate forwards a local ICE candidate to targetID.
func (d *Driver) SendICECandidate(targetID, candidate string) error {
	return d.sendWithPayload(TypeICE, targetID, icePayload{Candidate: candidate})
}

// MarkRemoteDescriptionSet flushes any ICE candidates buffered while the
// caller's SetRemoteDescription call was still pending, and stops further
// buffering. Call this immediately after SetRemoteDescription succeeds.
func (d *Driver) MarkRemoteDescriptionSet() {
	d.mu.Lock()
	d.remoteDescSet = true
	pending := d.pending
	d.pending = nil
	handler := d.handlers.OnICECandidate
	d.mu.Unlock()

	if handler == nil {
		return
	}
	for _, c := range pending {
		handler(c)
	}
}

// ResetRemoteDescriptionState re-arms candidate buffering, for use after a
// recovery rebuild re-initializes the peer connection (spec.md §4.8).
func (d *Driver) ResetRemoteDescriptionState() {
	d.mu.Lock()
	d.remoteDescSet = false
	d.pending = nil
	d.mu.Unlock()
}

// Close closes the underlying connection. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.c.Close()
}

func (d *Driver) send(msg Message) error {
	msg.Timestamp = time.Now().UnixMilli()
	d.mu.Lock()
	msg.PeerID = d.peerID
	d.mu.Unlock()
	return d.c.WriteJSON(msg)
}

func (d *Driver) sendWithPayload(msgType, targetID string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signaling: marshal %s payload: %w", msgType, err)
	}
	return d.send(Message{Type: msgType, TargetID: targetID, Payload: b})
}

func (d *Driver) readLoop() {
	for {
		var msg Message
		if err := d.c.ReadJSON(&msg); err != nil {
			if d.logger != nil {
				d.logger.Printf("signaling: read loop ended: %v", err)
			}
			return
		}
		d.dispatch(msg)
	}
}

func (d *Driver) dispatch(msg Message) {
	switch msg.Type {
	case TypeRegister:
		var ack registerAck
		if err := json.Unmarshal(msg.Payload, &ack); err != nil {
			return
		}
		role := RoleJoiner
		if ack.IsCreator {
			role = RoleInitiator
		}
		d.mu.Lock()
		d.peerID = ack.PeerID
		d.role = role
		d.mu.Unlock()
		if d.handlers.OnRegistered != nil {
			d.handlers.OnRegistered(ack.PeerID, role)
		}

	case TypePeerJoined:
		d.mu.Lock()
		d.targetID = msg.PeerID
		d.mu.Unlock()
		if d.handlers.OnPeerJoined != nil {
			d.handlers.OnPeerJoined(msg.PeerID)
		}

	case TypePeerLeft:
		if d.handlers.OnPeerLeft != nil {
			d.handlers.OnPeerLeft(msg.PeerID)
		}

	case TypeOffer:
		var p sdpPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		d.mu.Lock()
		d.targetID = msg.PeerID
		d.mu.Unlock()
		if d.handlers.OnOffer != nil {
			d.handlers.OnOffer(p.SDP)
		}

	case TypeAnswer:
		var p sdpPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if d.handlers.OnAnswer != nil {
			d.handlers.OnAnswer(p.SDP)
		}

	case TypeICE:
		var p icePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		d.mu.Lock()
		if !d.remoteDescSet {
			d.pending = append(d.pending, p.Candidate)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		if d.handlers.OnICECandidate != nil {
			d.handlers.OnICECandidate(p.Candidate)
		}

	case TypeError:
		var p errorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if d.handlers.OnError != nil {
			d.handlers.OnError(p.Message)
		}
	}
}

var _ conn = (*websocket.Conn)(nil)
