// Package loopsignaling implements signaling.Facade entirely in-process,
// standing in for the out-of-scope relay in tests.
package loopsignaling

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/dropwarp/warpcore/signaling"
)

// Hub is a shared in-process relay: every Facade created from the same Hub
// can discover and signal every other Facade that joined the same room.
type Hub struct {
	mu       sync.Mutex
	capacity int
	rooms    map[string]*room
}

type room struct {
	peers map[signaling.PeerID]*Facade
}

// NewHub returns a relay whose rooms hold at most capacity peers.
func NewHub(capacity int) *Hub {
	return &Hub{capacity: capacity, rooms: make(map[string]*room)}
}

// Facade is one peer's view of the Hub.
type Facade struct {
	hub *Hub
	id  signaling.PeerID

	mu       sync.Mutex
	roomID   string
	handlers signaling.Handlers
}

// NewFacade returns a Facade identified by id, backed by hub.
func (h *Hub) NewFacade(id signaling.PeerID) *Facade {
	return &Facade{hub: h, id: id}
}

func (f *Facade) SetHandlers(h signaling.Handlers) {
	f.mu.Lock()
	f.handlers = h
	f.mu.Unlock()
}

func (f *Facade) JoinRoom(roomID string) error {
	f.hub.mu.Lock()
	r, ok := f.hub.rooms[roomID]
	if !ok {
		r = &room{peers: make(map[signaling.PeerID]*Facade)}
		f.hub.rooms[roomID] = r
	}
	if len(r.peers) >= f.hub.capacity {
		f.hub.mu.Unlock()
		f.notifyRoomFull(roomID)
		return signaling.ErrRoomFull
	}
	r.peers[f.id] = f
	existing := make([]*Facade, 0, len(r.peers)-1)
	for id, p := range r.peers {
		if id != f.id {
			existing = append(existing, p)
		}
	}
	f.hub.mu.Unlock()

	f.mu.Lock()
	f.roomID = roomID
	f.mu.Unlock()

	for _, p := range existing {
		p.notifyPeerJoined(f.id)
		f.notifyPeerJoined(p.id)
	}
	return nil
}

// Leave removes f from its room and notifies remaining members. Leave is
// not part of signaling.Facade (the spec's contract has no explicit "leave"
// operation) but is exposed here since an in-process relay has nowhere else
// to model a peer disconnecting.
func (f *Facade) Leave() {
	f.mu.Lock()
	roomID := f.roomID
	f.mu.Unlock()
	if roomID == "" {
		return
	}

	f.hub.mu.Lock()
	r, ok := f.hub.rooms[roomID]
	if !ok {
		f.hub.mu.Unlock()
		return
	}
	delete(r.peers, f.id)
	remaining := make([]*Facade, 0, len(r.peers))
	for _, p := range r.peers {
		remaining = append(remaining, p)
	}
	f.hub.mu.Unlock()

	for _, p := range remaining {
		p.notifyUserLeft(f.id)
	}
}

func (f *Facade) SendOffer(roomID, sdp string, target signaling.PeerID) error {
	return f.relay(roomID, target, func(p *Facade) {
		p.mu.Lock()
		cb := p.handlers.Offer
		p.mu.Unlock()
		if cb != nil {
			cb(f.id, sdp)
		}
	})
}

func (f *Facade) SendAnswer(roomID, sdp string, target signaling.PeerID) error {
	return f.relay(roomID, target, func(p *Facade) {
		p.mu.Lock()
		cb := p.handlers.Answer
		p.mu.Unlock()
		if cb != nil {
			cb(f.id, sdp)
		}
	})
}

func (f *Facade) SendCandidate(roomID string, candidate []byte, target signaling.PeerID) error {
	return f.relay(roomID, target, func(p *Facade) {
		p.mu.Lock()
		cb := p.handlers.ICE
		p.mu.Unlock()
		if cb != nil {
			cb(f.id, candidate)
		}
	})
}

func (f *Facade) relay(roomID string, target signaling.PeerID, deliver func(*Facade)) error {
	f.hub.mu.Lock()
	r, ok := f.hub.rooms[roomID]
	if !ok {
		f.hub.mu.Unlock()
		return errors.Errorf("loopsignaling: room %q does not exist", roomID)
	}
	p, ok := r.peers[target]
	f.hub.mu.Unlock()
	if !ok {
		return errors.Errorf("loopsignaling: peer %q not in room %q", target, roomID)
	}
	go deliver(p)
	return nil
}

func (f *Facade) notifyPeerJoined(id signaling.PeerID) {
	f.mu.Lock()
	cb := f.handlers.PeerJoined
	f.mu.Unlock()
	if cb != nil {
		go cb(id)
	}
}

func (f *Facade) notifyUserLeft(id signaling.PeerID) {
	f.mu.Lock()
	cb := f.handlers.UserLeft
	f.mu.Unlock()
	if cb != nil {
		go cb(id)
	}
}

func (f *Facade) notifyRoomFull(roomID string) {
	f.mu.Lock()
	cb := f.handlers.RoomFull
	f.mu.Unlock()
	if cb != nil {
		go cb(roomID)
	}
}
