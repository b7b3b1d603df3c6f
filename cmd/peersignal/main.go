// Command peersignal is the reference signalling relay: it assigns a room
// for every registering peer, pairs the first two registrants, and forwards
// offer/answer/ice-candidate messages between them verbatim. It never sees
// file data (spec.md §1 Non-goals) — grounded on the teacher's root
// main.go, generalized from its ad-hoc {type,token,peerToken,sdp,ice}
// envelope to internal/signaling's {type,roomId,peerId,targetId,payload}
// one.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peershare/transfer/internal/signaling"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// room holds up to two peers. The first registrant is the initiator; the
// second is the joiner, matching internal/signaling.Role's assignment.
type room struct {
	mu      sync.Mutex
	members []*peer
}

func (rm *room) join(p *peer) (isCreator bool, ok bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.members) >= 2 {
		return false, false
	}
	isCreator = len(rm.members) == 0
	rm.members = append(rm.members, p)
	return isCreator, true
}

func (rm *room) peer(exclude *peer) *peer {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, m := range rm.members {
		if m != exclude {
			return m
		}
	}
	return nil
}

func (rm *room) leave(p *peer) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for i, m := range rm.members {
		if m == p {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			return
		}
	}
}

type peer struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex // serializes writes; gorilla connections are not safe for concurrent writers
	roomID string
}

func (p *peer) writeJSON(msg signaling.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.WriteJSON(msg); err != nil {
		log.Printf("peersignal: write to %s failed: %v", p.id, err)
	}
}

type relay struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func newRelay() *relay {
	return &relay{rooms: make(map[string]*room)}
}

func (rl *relay) roomFor(roomID string) *room {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rm, ok := rl.rooms[roomID]
	if !ok {
		rm = &room{}
		rl.rooms[roomID] = rm
	}
	return rm
}

func (rl *relay) dropRoomIfEmpty(roomID string, rm *room) {
	rm.mu.Lock()
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if !empty {
		return
	}
	rl.mu.Lock()
	delete(rl.rooms, roomID)
	rl.mu.Unlock()
}

func (rl *relay) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("peersignal: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	p := &peer{id: uuid.New().String(), conn: conn}
	var rm *room

	for {
		var msg signaling.Message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}

		switch msg.Type {
		case signaling.TypeRegister:
			rm = rl.roomFor(msg.RoomID)
			p.roomID = msg.RoomID
			isCreator, ok := rm.join(p)
			if !ok {
				p.writeJSON(errorMessage("room is full"))
				continue
			}
			ack, _ := json.Marshal(struct {
				PeerID    string `json:"peerId"`
				IsCreator bool   `json:"isCreator"`
			}{PeerID: p.id, IsCreator: isCreator})
			p.writeJSON(signaling.Message{Type: signaling.TypeRegister, PeerID: p.id, Payload: ack})

			if other := rm.peer(p); other != nil {
				other.writeJSON(signaling.Message{Type: signaling.TypePeerJoined, PeerID: p.id})
				p.writeJSON(signaling.Message{Type: signaling.TypePeerJoined, PeerID: other.id})
			}

		case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICE:
			if rm == nil {
				continue
			}
			if other := rm.peer(p); other != nil {
				msg.PeerID = p.id
				other.writeJSON(msg)
			}
		}
	}

	if rm != nil {
		rm.leave(p)
		if other := rm.peer(nil); other != nil {
			other.writeJSON(signaling.Message{Type: signaling.TypePeerLeft, PeerID: p.id})
		}
		rl.dropRoomIfEmpty(p.roomID, rm)
	}
}

func errorMessage(message string) signaling.Message {
	b, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: message})
	return signaling.Message{Type: signaling.TypeError, Payload: b}
}

func main() {
	addr := flag.String("addr", "localhost", "listen address")
	port := flag.Int("port", 8089, "listen port")
	flag.Parse()

	rl := newRelay()
	http.HandleFunc("/ws", rl.handleWS)

	listenAddr := fmt.Sprintf("%s:%d", *addr, *port)
	log.Printf("peersignal: listening on ws://%s/ws", listenAddr)
	if err := http.ListenAndServe(listenAddr, nil); err != nil {
		log.Fatalf("peersignal: %v", err)
	}
}
