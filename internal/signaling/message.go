// Package signaling implements the session driver (C9, spec.md §4.9): the
// register/peer-joined/peer-left/offer/answer/ice-candidate/error message
// set exchanged over the signalling relay, plus role assignment and
// ICE-candidate buffering ahead of SetRemoteDescription. Grounded on the
// teacher's client/webrtc/signaler.go (WebSocket dial-with-retry, one
// goroutine reading JSON messages and dispatching by Type) and root
// main.go's message shape, generalized from p2pftp's ad-hoc
// {type,token,peerToken,sdp,ice} envelope to spec.md §4.9's
// {type,roomId,peerId,targetId,payload,timestamp} envelope.
package signaling

import "encoding/json"

// Message is the wire envelope spec.md §4.9 defines for every signalling
// exchange, in both directions.
type Message struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	PeerID    string          `json:"peerId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

const (
	TypeRegister   = "register"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeICE        = "ice-candidate"
	TypeError      = "error"
)

// registerAck is the payload of the server's response to a register
// message: the assigned peer id and whether this peer created the room.
type registerAck struct {
	PeerID    string `json:"peerId"`
	IsCreator bool   `json:"isCreator"`
}

// sdpPayload carries an SDP blob for offer/answer messages.
type sdpPayload struct {
	SDP string `json:"sdp"`
}

// icePayload carries one ICE candidate for ice-candidate messages.
type icePayload struct {
	Candidate string `json:"candidate"`
}

// errorPayload carries a human-readable error message.
type errorPayload struct {
	Message string `json:"message"`
}
