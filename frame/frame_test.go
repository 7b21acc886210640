package frame

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTripPlaintext(t *testing.T) {
	payload := []byte("hello warpcore")
	tag := ChecksumPlaintext(payload)
	buf := Encode(0, 5, 1024, uint32(len(payload)), tag, payload)

	h, p, err := Decode(buf, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.FileIndex != 0 || h.Sequence != 5 || h.Offset != 1024 || h.DataLength != uint32(len(payload)) || h.IntegrityTag != tag {
		t.Fatalf("unexpected header: %+v", h)
	}
	if !bytes.Equal(p, payload) {
		t.Fatalf("payload mismatch: %q", p)
	}
}

func TestEncodeDecodeRoundTripCiphertext(t *testing.T) {
	sealed := make([]byte, 32+AEADOverhead)
	buf := Encode(1, 7, 2048, 32, 0, sealed)

	h, p, err := Decode(buf, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.DataLength != 32 {
		t.Fatalf("expected DataLength 32, got %d", h.DataLength)
	}
	if len(p) != 32+AEADOverhead {
		t.Fatalf("expected sealed payload view of %d bytes, got %d", 32+AEADOverhead, len(p))
	}
}

func TestEOSFrame(t *testing.T) {
	buf := EncodeEOS()
	if len(buf) != HeaderSize {
		t.Fatalf("EOS frame must be exactly %d bytes, got %d", HeaderSize, len(buf))
	}
	h, p, err := Decode(buf, true)
	if err != nil {
		t.Fatalf("decode EOS: %v", err)
	}
	if !h.IsEOS() {
		t.Fatalf("expected EOS header")
	}
	if p != nil {
		t.Fatalf("expected nil payload for EOS, got %v", p)
	}
	// aeadEnabled=false must also decode EOS correctly.
	h2, _, err := Decode(buf, false)
	if err != nil || !h2.IsEOS() {
		t.Fatalf("EOS must decode regardless of aead mode: %v %+v", err, h2)
	}
}

func TestDecodeMalformedTooShort(t *testing.T) {
	if _, _, err := Decode([]byte{1, 2, 3}, false); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeMalformedLengthMismatch(t *testing.T) {
	payload := []byte("xyz")
	buf := Encode(0, 0, 0, uint32(len(payload))+5, 0, payload) // lie about DataLength
	if _, _, err := Decode(buf, false); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestHeaderBytesUsedAsAAD(t *testing.T) {
	h := Header{FileIndex: 2, Sequence: 9, Offset: 77, DataLength: 10, IntegrityTag: 0}
	b1 := HeaderBytes(h)
	b2 := HeaderBytes(h)
	if b1 != b2 {
		t.Fatalf("HeaderBytes must be deterministic")
	}
	h.Sequence = 10
	b3 := HeaderBytes(h)
	if b3 == b1 {
		t.Fatalf("HeaderBytes must change when header fields change")
	}
}
