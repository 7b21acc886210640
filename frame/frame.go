// Package frame implements the wire framing protocol: a fixed 22-byte
// little-endian header followed by a payload, as laid out in the warpcore
// wire format.
//
// The codec holds no per-session state: callers pass the sequence number in,
// and the sender engine keeps the running counter. It never allocates more
// than the frame it returns.
package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed size, in bytes, of every frame header.
const HeaderSize = 22

// EOSFileIndex is the reserved file index that marks the end-of-stream frame.
const EOSFileIndex = 0xFFFF

// AEADOverhead is the number of extra bytes an AEAD seal appends to a
// payload (the GCM authentication tag).
const AEADOverhead = 16

// ErrMalformed is returned by Decode when the supplied bytes cannot possibly
// be a valid frame (too short, or length fields disagree with the buffer
// size).
var ErrMalformed = errors.New("frame: malformed frame")

// Header is the fixed-size frame header. Sequence is monotonic across the
// whole session starting at 0; Offset is the byte offset of this payload
// within its logical stream; IntegrityTag is a CRC32 over the plaintext
// payload when encryption is disabled, or otherwise unused (the AEAD tag
// subsumes integrity).
type Header struct {
	FileIndex    uint16
	Sequence     uint32
	Offset       uint64
	DataLength   uint32
	IntegrityTag uint32
}

// IsEOS reports whether h is the end-of-stream marker header.
func (h Header) IsEOS() bool {
	return h.FileIndex == EOSFileIndex
}

// put writes h into b (which must be at least HeaderSize bytes) in
// little-endian order.
func (h Header) put(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], h.FileIndex)
	binary.LittleEndian.PutUint32(b[2:6], h.Sequence)
	binary.LittleEndian.PutUint64(b[6:14], h.Offset)
	binary.LittleEndian.PutUint32(b[14:18], h.DataLength)
	binary.LittleEndian.PutUint32(b[18:22], h.IntegrityTag)
}

// parseHeader reads a Header from the first HeaderSize bytes of b.
func parseHeader(b []byte) Header {
	return Header{
		FileIndex:    binary.LittleEndian.Uint16(b[0:2]),
		Sequence:     binary.LittleEndian.Uint32(b[2:6]),
		Offset:       binary.LittleEndian.Uint64(b[6:14]),
		DataLength:   binary.LittleEndian.Uint32(b[14:18]),
		IntegrityTag: binary.LittleEndian.Uint32(b[18:22]),
	}
}

// HeaderBytes returns the 22-byte little-endian encoding of h. This is also
// used as AEAD associated data, binding the header to the ciphertext.
func HeaderBytes(h Header) [HeaderSize]byte {
	var b [HeaderSize]byte
	h.put(b[:])
	return b
}

// Encode lays out a data frame: header followed by payload. plaintextLen is
// the DataLength field (the size of the payload before any AEAD sealing);
// wirePayload is the bytes to place on the wire after the header — for
// plaintext mode this is the payload itself, for ciphertext mode this is
// ciphertext-with-tag (DataLength + AEADOverhead bytes long).
func Encode(fileIndex uint16, sequence uint32, offset uint64, plaintextLen uint32, integrityTag uint32, wirePayload []byte) []byte {
	out := make([]byte, HeaderSize+len(wirePayload))
	h := Header{
		FileIndex:    fileIndex,
		Sequence:     sequence,
		Offset:       offset,
		DataLength:   plaintextLen,
		IntegrityTag: integrityTag,
	}
	h.put(out[:HeaderSize])
	copy(out[HeaderSize:], wirePayload)
	return out
}

// EncodeEOS returns the canonical 22-byte end-of-stream frame.
func EncodeEOS() []byte {
	out := make([]byte, HeaderSize)
	h := Header{FileIndex: EOSFileIndex}
	h.put(out)
	return out
}

// Decode parses a frame buffer into its header and a view over its wire
// payload (the payload as it appeared on the wire — still sealed, if
// encryption is enabled). aeadEnabled selects which length equation is
// enforced: DataLength+22==len(buf) when disabled, DataLength+22+16==len(buf)
// when enabled.
func Decode(buf []byte, aeadEnabled bool) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, ErrMalformed
	}
	h := parseHeader(buf)
	if h.IsEOS() {
		if len(buf) != HeaderSize {
			return Header{}, nil, ErrMalformed
		}
		return h, nil, nil
	}
	expected := HeaderSize + int(h.DataLength)
	if aeadEnabled {
		expected += AEADOverhead
	}
	if len(buf) != expected {
		return Header{}, nil, ErrMalformed
	}
	return h, buf[HeaderSize:], nil
}

// IsEOS reports whether the decoded header is the end-of-stream marker.
func IsEOS(h Header) bool {
	return h.IsEOS()
}
