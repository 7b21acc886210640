package cryptosession

import (
	"bytes"
	"testing"

	"github.com/dropwarp/warpcore/frame"
)

func handshake(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	salt := []byte("warp_test_salt")
	sa, err := Derive(a, b.Public, salt)
	if err != nil {
		t.Fatalf("derive a: %v", err)
	}
	sb, err := Derive(b, a.Public, salt)
	if err != nil {
		t.Fatalf("derive b: %v", err)
	}
	return sa, sb
}

func TestSealOpenRoundTrip(t *testing.T) {
	sender, receiver := handshake(t)

	h := frame.Header{FileIndex: 0, Sequence: 3, Offset: 0, DataLength: 5}
	hb := frame.HeaderBytes(h)

	ciphertext := sender.Seal(h.Sequence, hb[:], []byte("hello"))
	plaintext, err := receiver.Open(h.Sequence, hb[:], ciphertext)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello")) {
		t.Fatalf("plaintext mismatch: %q", plaintext)
	}
}

func TestOpenFailsOnHeaderTamper(t *testing.T) {
	sender, receiver := handshake(t)

	h := frame.Header{FileIndex: 0, Sequence: 3, Offset: 0, DataLength: 5}
	hb := frame.HeaderBytes(h)
	ciphertext := sender.Seal(h.Sequence, hb[:], []byte("hello"))

	tampered := h
	tampered.Offset = 999
	tb := frame.HeaderBytes(tampered)

	if _, err := receiver.Open(h.Sequence, tb[:], ciphertext); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure on header tamper, got %v", err)
	}
}

func TestOpenFailsOnCiphertextTamper(t *testing.T) {
	sender, receiver := handshake(t)

	h := frame.Header{FileIndex: 0, Sequence: 7, Offset: 0, DataLength: 5}
	hb := frame.HeaderBytes(h)
	ciphertext := sender.Seal(h.Sequence, hb[:], []byte("hello"))
	ciphertext[0] ^= 0xFF

	if _, err := receiver.Open(h.Sequence, hb[:], ciphertext); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure on ciphertext tamper, got %v", err)
	}
}

func TestDisabledSessionPassesThrough(t *testing.T) {
	s := NewDisabled()
	if s.Enabled() {
		t.Fatalf("expected disabled session")
	}
	payload := []byte("plain")
	sealed := s.Seal(0, nil, payload)
	if !bytes.Equal(sealed, payload) {
		t.Fatalf("disabled Seal must pass through unchanged")
	}
	opened, err := s.Open(0, nil, sealed)
	if err != nil || !bytes.Equal(opened, payload) {
		t.Fatalf("disabled Open must pass through unchanged: %v", err)
	}
}

func TestResetChangesNoncePrefix(t *testing.T) {
	sender, receiver := handshake(t)

	h := frame.Header{FileIndex: 0, Sequence: 0, DataLength: 5}
	hb := frame.HeaderBytes(h)
	c1 := sender.Seal(0, hb[:], []byte("batch1"))

	if err := sender.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	c2 := sender.Seal(0, hb[:], []byte("batch1"))
	if bytes.Equal(c1, c2) {
		t.Fatalf("expected different ciphertext after nonce-prefix reset")
	}

	// receiver must also reset before it can decode batch-2 frames at
	// sequence 0 again (otherwise it would be replaying the old nonce
	// space, which Open would reject with the mismatched prefix).
	if err := receiver.Reset(); err != nil {
		t.Fatalf("receiver reset: %v", err)
	}
}

func TestRoundTripSmallPayloads(t *testing.T) {
	sender, receiver := handshake(t)
	for size := 0; size <= 64*1024; size += 16384 {
		payload := bytes.Repeat([]byte{byte(size % 251)}, size)
		h := frame.Header{FileIndex: 0, Sequence: uint32(size), DataLength: uint32(size)}
		hb := frame.HeaderBytes(h)
		ciphertext := sender.Seal(h.Sequence, hb[:], payload)
		plaintext, err := receiver.Open(h.Sequence, hb[:], ciphertext)
		if err != nil {
			t.Fatalf("size %d: open: %v", size, err)
		}
		if !bytes.Equal(plaintext, payload) {
			t.Fatalf("size %d: payload mismatch", size)
		}
	}
}
