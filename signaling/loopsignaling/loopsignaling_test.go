package loopsignaling

import (
	"testing"
	"time"

	"github.com/dropwarp/warpcore/signaling"
)

func TestJoinNotifiesExistingPeers(t *testing.T) {
	hub := NewHub(8)
	a := hub.NewFacade("a")
	b := hub.NewFacade("b")

	joinedOnA := make(chan signaling.PeerID, 1)
	a.SetHandlers(signaling.Handlers{PeerJoined: func(id signaling.PeerID) { joinedOnA <- id }})

	if err := a.JoinRoom("room1"); err != nil {
		t.Fatalf("a.JoinRoom: %v", err)
	}

	joinedOnB := make(chan signaling.PeerID, 1)
	b.SetHandlers(signaling.Handlers{PeerJoined: func(id signaling.PeerID) { joinedOnB <- id }})

	if err := b.JoinRoom("room1"); err != nil {
		t.Fatalf("b.JoinRoom: %v", err)
	}

	select {
	case id := <-joinedOnA:
		if id != "b" {
			t.Fatalf("expected a notified of b, got %v", id)
		}
	case <-time.After(time.Second):
		t.Fatal("a never notified of b joining")
	}

	select {
	case id := <-joinedOnB:
		if id != "a" {
			t.Fatalf("expected b notified of a, got %v", id)
		}
	case <-time.After(time.Second):
		t.Fatal("b never notified of a")
	}
}

func TestOfferAnswerCandidateRelay(t *testing.T) {
	hub := NewHub(8)
	a := hub.NewFacade("a")
	b := hub.NewFacade("b")
	a.JoinRoom("room1")
	b.JoinRoom("room1")

	offerCh := make(chan string, 1)
	b.SetHandlers(signaling.Handlers{Offer: func(from signaling.PeerID, sdp string) { offerCh <- sdp }})

	answerCh := make(chan string, 1)
	a.SetHandlers(signaling.Handlers{Answer: func(from signaling.PeerID, sdp string) { answerCh <- sdp }})

	if err := a.SendOffer("room1", "offer-sdp", "b"); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	select {
	case sdp := <-offerCh:
		if sdp != "offer-sdp" {
			t.Fatalf("got %q", sdp)
		}
	case <-time.After(time.Second):
		t.Fatal("offer never delivered")
	}

	if err := b.SendAnswer("room1", "answer-sdp", "a"); err != nil {
		t.Fatalf("SendAnswer: %v", err)
	}
	select {
	case sdp := <-answerCh:
		if sdp != "answer-sdp" {
			t.Fatalf("got %q", sdp)
		}
	case <-time.After(time.Second):
		t.Fatal("answer never delivered")
	}

	candCh := make(chan []byte, 1)
	b.SetHandlers(signaling.Handlers{ICE: func(from signaling.PeerID, candidate []byte) { candCh <- candidate }})

	if err := a.SendCandidate("room1", []byte("cand"), "b"); err != nil {
		t.Fatalf("SendCandidate: %v", err)
	}
	select {
	case c := <-candCh:
		if string(c) != "cand" {
			t.Fatalf("got %q", c)
		}
	case <-time.After(time.Second):
		t.Fatal("candidate never delivered")
	}
}

func TestRoomFullRejectsJoin(t *testing.T) {
	hub := NewHub(1)
	a := hub.NewFacade("a")
	b := hub.NewFacade("b")

	if err := a.JoinRoom("tiny"); err != nil {
		t.Fatalf("a.JoinRoom: %v", err)
	}

	fullCh := make(chan string, 1)
	b.SetHandlers(signaling.Handlers{RoomFull: func(roomID string) { fullCh <- roomID }})

	if err := b.JoinRoom("tiny"); err != signaling.ErrRoomFull {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}

	select {
	case roomID := <-fullCh:
		if roomID != "tiny" {
			t.Fatalf("got %q", roomID)
		}
	case <-time.After(time.Second):
		t.Fatal("RoomFull callback never fired")
	}
}

func TestLeaveNotifiesRemainingPeers(t *testing.T) {
	hub := NewHub(8)
	a := hub.NewFacade("a")
	b := hub.NewFacade("b")
	a.JoinRoom("room1")
	b.JoinRoom("room1")

	leftCh := make(chan signaling.PeerID, 1)
	b.SetHandlers(signaling.Handlers{UserLeft: func(id signaling.PeerID) { leftCh <- id }})

	a.Leave()

	select {
	case id := <-leftCh:
		if id != "a" {
			t.Fatalf("got %v", id)
		}
	case <-time.After(time.Second):
		t.Fatal("UserLeft never fired")
	}
}
