// session.go wires one room membership together: the signalling driver,
// the WebRTC peer connection and data channel, the recovery controller,
// and the engine Sender/Receiver pair riding on that channel. Grounded on
// the teacher's cli/webrtc.go and client/webrtc/webrtc.go connection setup
// (CreateDataChannel before the offer, OnDataChannel on the answering
// side, OnICECandidate forwarded over the signalling socket).
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/peershare/transfer/internal/backpressure"
	"github.com/peershare/transfer/internal/clock"
	"github.com/peershare/transfer/internal/config"
	"github.com/peershare/transfer/internal/engine"
	"github.com/peershare/transfer/internal/overrides"
	"github.com/peershare/transfer/internal/queue"
	"github.com/peershare/transfer/internal/recovery"
	"github.com/peershare/transfer/internal/signaling"
	"github.com/peershare/transfer/internal/store"
	"github.com/peershare/transfer/internal/transport"
)

// session is one peer connection's worth of state: at most one room
// membership, one data channel, one sender and one receiver, matching
// spec.md §6's "no file multiplexing" constraint at the connection level
// too.
type session struct {
	serverURL string
	db        *store.Store
	logger    *log.Logger
	backpressureCfg config.Backpressure
	chunkPlannerCfg config.ChunkPlanner

	mu        sync.Mutex
	roomID    string
	driver    *signaling.Driver
	pc        *transport.WebRTCPeerConnection
	channel   transport.Channel
	role      signaling.Role
	peerID    string
	accepted  bool
	pendingOffer string
	recoveryCtl *recovery.Controller
	sender    *engine.Sender
	receiver  *engine.Receiver

	queue   *queue.Queue
	pumpCh  chan struct{}
}

func newSession(serverURL string, db *store.Store, logger *log.Logger, ov overrides.Overrides) *session {
	bp := config.DefaultBackpressure()
	if ov.BackpressureMode != overrides.ModeUnset {
		bp.Mode = config.BackpressureMode(ov.BackpressureMode)
	}
	if ov.MaxBufferedAmount > 0 {
		bp.MaxBufferedAmount = ov.MaxBufferedAmount
	}
	if ov.LowThreshold > 0 {
		bp.LowThreshold = ov.LowThreshold
	}

	cp := config.DefaultChunkPlanner()
	if ov.ForceMaxMessageSize > 0 {
		cp.ForceMaxMessageSize = ov.ForceMaxMessageSize
	}
	if ov.ForceRTTMS > 0 {
		cp.ForceRTTMS = ov.ForceRTTMS
	}

	s := &session{
		serverURL:       serverURL,
		db:              db,
		logger:          logger,
		backpressureCfg: bp,
		chunkPlannerCfg: cp,
		queue:           queue.New(),
		pumpCh:          make(chan struct{}, 1),
	}
	go s.pumpLoop()
	return s
}

// connect registers for roomID on the signalling relay and waits for a
// peer to join. It does not start the WebRTC handshake itself — that
// happens once the local operator runs /accept, mirroring the teacher's
// explicit connect/accept handshake even though the relay already pairs
// the room's two members automatically.
func (s *session) connect(roomID string) error {
	s.mu.Lock()
	if s.driver != nil {
		s.mu.Unlock()
		return fmt.Errorf("already connected; /quit and restart to join a different room")
	}
	s.mu.Unlock()

	pc, err := transport.NewWebRTCPeerConnection(s.logger)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	driver, err := signaling.Dial(s.serverURL, s.logger, signaling.Handlers{
		OnRegistered: s.onRegistered,
		OnPeerJoined: s.onPeerJoined,
		OnPeerLeft:   s.onPeerLeft,
		OnOffer:      s.onOffer,
		OnAnswer:     s.onAnswer,
		OnICECandidate: s.onRemoteICECandidate,
		OnError:      func(msg string) { fmt.Printf("\nSignalling error: %s\n", msg) },
	})
	if err != nil {
		pc.Close()
		return fmt.Errorf("dial signalling relay: %w", err)
	}

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.sendLocalICECandidate(c)
	})
	pc.OnDataChannel(func(ch *transport.WebRTCChannel) {
		s.attachChannel(ch)
	})

	s.mu.Lock()
	s.roomID = roomID
	s.driver = driver
	s.pc = pc
	s.mu.Unlock()

	return driver.Register(roomID)
}

func (s *session) onRegistered(peerID string, role signaling.Role) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
	fmt.Printf("\nRegistered as %s (role: %s) in room %s\n", peerID, role, s.roomID)
}

func (s *session) onPeerJoined(peerID string) {
	s.mu.Lock()
	s.peerID = peerID
	s.mu.Unlock()
	fmt.Printf("\nPeer %s joined the room. Use /accept to begin the connection.\n", peerID)
}

func (s *session) onPeerLeft(peerID string) {
	fmt.Printf("\nPeer %s left the room.\n", peerID)
}

// accept marks the local operator ready to proceed with the handshake: the
// initiator sends the first offer (spec.md §4.9); the joiner processes any
// offer that already arrived, or waits for one.
func (s *session) accept() error {
	s.mu.Lock()
	if s.peerID == "" {
		s.mu.Unlock()
		return fmt.Errorf("no pending peer to accept")
	}
	s.accepted = true
	role := s.role
	pendingOffer := s.pendingOffer
	s.mu.Unlock()

	if role == signaling.RoleInitiator {
		return s.sendOffer(false)
	}
	if pendingOffer != "" {
		return s.answerOffer(pendingOffer)
	}
	fmt.Println("Waiting for the peer's offer...")
	return nil
}

// sendOffer creates the data channel (only meaningful the first time;
// reuses the existing one after an ICE restart) and sends a fresh offer.
func (s *session) sendOffer(iceRestart bool) error {
	s.mu.Lock()
	pc := s.pc
	peerID := s.peerID
	hasChannel := s.channel != nil
	s.mu.Unlock()

	if !hasChannel {
		ch, err := pc.CreateDataChannel("peershare")
		if err != nil {
			return fmt.Errorf("create data channel: %w", err)
		}
		s.attachChannel(ch)
	}

	sdp, err := pc.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return s.driverSendOffer(peerID, sdp)
}

func (s *session) driverSendOffer(peerID, sdp string) error {
	s.mu.Lock()
	d := s.driver
	s.mu.Unlock()
	return d.SendOffer(peerID, sdp)
}

func (s *session) onOffer(sdp string) {
	s.mu.Lock()
	accepted := s.accepted
	s.mu.Unlock()
	if !accepted {
		s.mu.Lock()
		s.pendingOffer = sdp
		s.mu.Unlock()
		fmt.Println("\nOffer received; use /accept to answer.")
		return
	}
	if err := s.answerOffer(sdp); err != nil {
		fmt.Printf("\nFailed to answer offer: %v\n", err)
	}
}

func (s *session) answerOffer(sdp string) error {
	s.mu.Lock()
	pc := s.pc
	peerID := s.peerID
	d := s.driver
	s.mu.Unlock()

	answer, err := pc.CreateAnswer(sdp)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	d.MarkRemoteDescriptionSet()
	return d.SendAnswer(peerID, answer)
}

func (s *session) onAnswer(sdp string) {
	s.mu.Lock()
	pc := s.pc
	d := s.driver
	s.mu.Unlock()

	if err := pc.SetRemoteAnswer(sdp); err != nil {
		fmt.Printf("\nFailed to apply answer: %v\n", err)
		return
	}
	d.MarkRemoteDescriptionSet()
}

func (s *session) sendLocalICECandidate(c webrtc.ICECandidateInit) {
	b, err := json.Marshal(c)
	if err != nil {
		return
	}
	s.mu.Lock()
	d, peerID := s.driver, s.peerID
	s.mu.Unlock()
	if d == nil || peerID == "" {
		return
	}
	if err := d.SendICECandidate(peerID, string(b)); err != nil {
		s.logger.Printf("peershare: send ice candidate: %v", err)
	}
}

func (s *session) onRemoteICECandidate(candidate string) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &c); err != nil {
		s.logger.Printf("peershare: decode ice candidate: %v", err)
		return
	}
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if err := pc.AddICECandidate(c); err != nil {
		s.logger.Printf("peershare: add ice candidate: %v", err)
	}
}

// attachChannel wires a freshly created or received data channel to a new
// Sender/Receiver pair and the recovery controller. Called by the offering
// side right before CreateOffer and by the answering side from
// OnDataChannel; every call replaces the session's Sender/Receiver pair,
// while the recovery controller is created only on the first call.
func (s *session) attachChannel(ch transport.Channel) {
	s.mu.Lock()
	s.channel = ch
	pc := s.pc
	s.mu.Unlock()

	arbiter := backpressure.New(s.backpressureCfg, s.logger)
	sender := engine.NewSender(ch, arbiter, s.db, s.chunkPlannerCfg, clock.Real{}, s.logger, engine.DefaultSenderTiming(), pc)
	receiver := engine.NewReceiver(ch, s.db, s.logger, diskSinkFactory, engine.ReceiverHandlers{
		OnFileReceived: s.onFileReceived,
	})

	s.mu.Lock()
	s.sender = sender
	s.receiver = receiver
	s.mu.Unlock()

	if s.recoveryCtl == nil {
		s.recoveryCtl = recovery.New(pc, config.DefaultRecovery(), recovery.Callbacks{
			IsInitiator: func() bool { return s.role == signaling.RoleInitiator },
			Renegotiate: func() error { return s.sendOffer(true) },
			Rebuild:     s.rebuildConnection,
			OnTerminalFailure: func(err error) {
				fmt.Printf("\nConnection recovery failed: %v\n", err)
			},
			OnRecovered: func() { fmt.Println("\nConnection recovered.") },
		}, s.logger)
	}

	s.triggerPump()
}

// rebuildConnection tears down the peer connection and dials a fresh one,
// re-offering if this peer is the initiator — the recovery controller's
// last-resort step after ICE restart attempts are exhausted (spec.md
// §4.8).
func (s *session) rebuildConnection(attempt int) error {
	s.mu.Lock()
	oldPC := s.pc
	s.mu.Unlock()
	if oldPC != nil {
		oldPC.Close()
	}

	pc, err := transport.NewWebRTCPeerConnection(s.logger)
	if err != nil {
		return fmt.Errorf("rebuild attempt %d: create peer connection: %w", attempt, err)
	}
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) { s.sendLocalICECandidate(c) })
	pc.OnDataChannel(func(ch *transport.WebRTCChannel) { s.attachChannel(ch) })

	s.mu.Lock()
	s.pc = pc
	s.channel = nil
	s.mu.Unlock()

	if d := s.driverOrNil(); d != nil {
		d.ResetRemoteDescriptionState()
	}

	if s.role == signaling.RoleInitiator {
		return s.sendOffer(true)
	}
	return nil
}

func (s *session) driverOrNil() *signaling.Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

func (s *session) printLink() {
	s.mu.Lock()
	room := s.roomID
	s.mu.Unlock()
	if room == "" {
		fmt.Println("Not connected to a room yet. Use /connect <room>.")
		return
	}
	fmt.Printf("Room: %s\nShare this room id with your peer so they can /connect %s\n", room, room)
}

func (s *session) close() {
	s.mu.Lock()
	receiver, pc, driver := s.receiver, s.pc, s.driver
	s.mu.Unlock()
	if receiver != nil {
		receiver.Close()
	}
	if s.recoveryCtl != nil {
		s.recoveryCtl.Close()
	}
	if pc != nil {
		pc.Close()
	}
	if driver != nil {
		driver.Close()
	}
}
