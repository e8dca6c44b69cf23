package server

import (
	"encoding/json"
	"sync"
)

// roomHub indexes broadcast domains by room id so every connection to the
// same conversation shares one fan-out set.
type roomHub struct {
	mu    sync.Mutex
	rooms map[string]*chatRoom
}

func newRoomHub() *roomHub {
	return &roomHub{rooms: make(map[string]*chatRoom)}
}

func (h *roomHub) room(roomID string) *chatRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if ok {
		return room
	}

	room = newChatRoom(roomID)
	h.rooms[roomID] = room
	return room
}

// chatRoom is the broadcast domain of one tutor/student conversation.
type chatRoom struct {
	mu     sync.Mutex
	roomID string
	peers  map[*wsPeer]struct{}
}

func newChatRoom(roomID string) *chatRoom {
	return &chatRoom{
		roomID: roomID,
		peers:  make(map[*wsPeer]struct{}),
	}
}

func (r *chatRoom) join(peer *wsPeer) {
	r.mu.Lock()
	r.peers[peer] = struct{}{}
	r.mu.Unlock()
}

func (r *chatRoom) leave(peer *wsPeer) {
	r.mu.Lock()
	delete(r.peers, peer)
	r.mu.Unlock()
}

func (r *chatRoom) subscribers() []*wsPeer {
	r.mu.Lock()
	peers := make([]*wsPeer, 0, len(r.peers))
	for peer := range r.peers {
		peers = append(peers, peer)
	}
	r.mu.Unlock()
	return peers
}

// broadcast delivers a frame to every connection in the room. Write failures
// are left to the failing connection's read loop to clean up.
func (r *chatRoom) broadcast(frame any) {
	for _, peer := range r.subscribers() {
		_ = peer.write(frame)
	}
}

// broadcastExceptUser delivers a frame to every connection not authenticated
// as userID. Typing indicators are never echoed to their author, even across
// multiple tabs.
func (r *chatRoom) broadcastExceptUser(userID string, frame any) {
	for _, peer := range r.subscribers() {
		if peer.userID == userID {
			continue
		}
		_ = peer.write(frame)
	}
}

type wsPeer struct {
	mu      sync.Mutex
	userID  string
	encoder *json.Encoder
}

func newWSPeer(userID string, encoder *json.Encoder) *wsPeer {
	return &wsPeer{userID: userID, encoder: encoder}
}

func (p *wsPeer) write(frame any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}
