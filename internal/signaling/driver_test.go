package signaling

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	incoming chan Message
	outgoing []Message
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan Message, 16)}
}

func (f *fakeConn) ReadJSON(v any) error {
	msg, ok := <-f.incoming
	if !ok {
		return io.EOF
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (f *fakeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	f.outgoing = append(f.outgoing, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.incoming)
	return nil
}

func (f *fakeConn) push(msg Message) { f.incoming <- msg }

func (f *fakeConn) sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.outgoing...)
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}
}

func TestRegisterAssignsInitiatorRole(t *testing.T) {
	fc := newFakeConn()
	done := make(chan struct{})
	var gotRole Role
	var gotPeer string
	d := NewDriver(fc, nil, Handlers{
		OnRegistered: func(peerID string, role Role) {
			gotPeer, gotRole = peerID, role
			close(done)
		},
	})
	defer d.Close()

	fc.push(Message{Type: TypeRegister, Payload: payload(t, registerAck{PeerID: "p1", IsCreator: true})})
	waitFor(t, done)

	require.Equal(t, "p1", gotPeer)
	require.Equal(t, RoleInitiator, gotRole)
	require.Equal(t, RoleInitiator, d.Role())
}

func TestJoinerRoleWhenNotCreator(t *testing.T) {
	fc := newFakeConn()
	done := make(chan struct{})
	var gotRole Role
	d := NewDriver(fc, nil, Handlers{
		OnRegistered: func(peerID string, role Role) { gotRole = role; close(done) },
	})
	defer d.Close()

	fc.push(Message{Type: TypeRegister, Payload: payload(t, registerAck{PeerID: "p2", IsCreator: false})})
	waitFor(t, done)
	require.Equal(t, RoleJoiner, gotRole)
}

func TestICECandidateBufferedUntilRemoteDescriptionSet(t *testing.T) {
	fc := newFakeConn()
	var mu sync.Mutex
	var received []string
	gotOne := make(chan struct{})

	d := NewDriver(fc, nil, Handlers{
		OnICECandidate: func(candidate string) {
			mu.Lock()
			received = append(received, candidate)
			n := len(received)
			mu.Unlock()
			if n == 1 {
				close(gotOne)
			}
		},
	})
	defer d.Close()

	fc.push(Message{Type: TypeICE, Payload: payload(t, icePayload{Candidate: "cand-1"})})
	fc.push(Message{Type: TypeICE, Payload: payload(t, icePayload{Candidate: "cand-2"})})

	// Give the read loop a moment to process and buffer both; neither
	// should have reached the handler yet.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Empty(t, received)
	mu.Unlock()

	d.MarkRemoteDescriptionSet()
	waitFor(t, gotOne)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"cand-1", "cand-2"}, received)
}

func TestICECandidateDeliveredImmediatelyOnceMarked(t *testing.T) {
	fc := newFakeConn()
	done := make(chan struct{})
	var got string
	d := NewDriver(fc, nil, Handlers{
		OnICECandidate: func(candidate string) { got = candidate; close(done) },
	})
	defer d.Close()

	d.MarkRemoteDescriptionSet()
	fc.push(Message{Type: TypeICE, Payload: payload(t, icePayload{Candidate: "cand-x"})})
	waitFor(t, done)
	require.Equal(t, "cand-x", got)
}

func TestSendOfferWritesEnvelope(t *testing.T) {
	fc := newFakeConn()
	d := NewDriver(fc, nil, Handlers{})
	defer d.Close()

	require.NoError(t, d.SendOffer("peer-2", "sdp-blob"))
	sent := fc.sent()
	require.Len(t, sent, 1)
	require.Equal(t, TypeOffer, sent[0].Type)
	require.Equal(t, "peer-2", sent[0].TargetID)

	var p sdpPayload
	require.NoError(t, json.Unmarshal(sent[0].Payload, &p))
	require.Equal(t, "sdp-blob", p.SDP)
}

func TestOfferAndAnswerDispatch(t *testing.T) {
	fc := newFakeConn()
	offerDone := make(chan struct{})
	answerDone := make(chan struct{})
	var gotOffer, gotAnswer string
	d := NewDriver(fc, nil, Handlers{
		OnOffer:  func(sdp string) { gotOffer = sdp; close(offerDone) },
		OnAnswer: func(sdp string) { gotAnswer = sdp; close(answerDone) },
	})
	defer d.Close()

	fc.push(Message{Type: TypeOffer, PeerID: "peer-1", Payload: payload(t, sdpPayload{SDP: "offer-sdp"})})
	waitFor(t, offerDone)
	require.Equal(t, "offer-sdp", gotOffer)

	fc.push(Message{Type: TypeAnswer, Payload: payload(t, sdpPayload{SDP: "answer-sdp"})})
	waitFor(t, answerDone)
	require.Equal(t, "answer-sdp", gotAnswer)
}

func TestErrorDispatch(t *testing.T) {
	fc := newFakeConn()
	done := make(chan struct{})
	var msg string
	d := NewDriver(fc, nil, Handlers{
		OnError: func(message string) { msg = message; close(done) },
	})
	defer d.Close()

	fc.push(Message{Type: TypeError, Payload: payload(t, errorPayload{Message: "boom"})})
	waitFor(t, done)
	require.Equal(t, "boom", msg)
}
