// Package signaling defines the room/offer/answer/candidate façade the fan-
// out coordinator uses to discover and negotiate with peers. The core never
// depends on a concrete relay; it depends only on this interface.
package signaling

import "github.com/pkg/errors"

// PeerID identifies one remote endpoint within a room.
type PeerID string

// ErrRoomFull is returned by JoinRoom (and surfaced via Handlers.RoomFull)
// when the relay's own room capacity, not the fan-out coordinator's
// MAX_DIRECT_PEERS, has been reached.
var ErrRoomFull = errors.New("signaling: room full")

// Handlers are the inbound events a Facade delivers. All fields are
// optional; a nil handler is simply not invoked.
type Handlers struct {
	PeerJoined func(PeerID)
	Offer      func(from PeerID, sdp string)
	Answer     func(from PeerID, sdp string)
	ICE        func(from PeerID, candidate []byte)
	UserLeft   func(PeerID)
	RoomFull   func(roomID string)
}

// Facade is the signaling contract: room membership plus SDP/ICE exchange,
// addressed by peer id for 1:N operation.
type Facade interface {
	JoinRoom(roomID string) error
	SendOffer(roomID, sdp string, target PeerID) error
	SendAnswer(roomID, sdp string, target PeerID) error
	SendCandidate(roomID string, candidate []byte, target PeerID) error
	SetHandlers(Handlers)
}
