// Package cryptosession performs the per-transfer key agreement and
// per-frame authenticated encryption.
//
// A Session runs a one-round ephemeral X25519 handshake (the public key
// exchange itself travels over the signaling control channel, outside this
// package), derives a 32-byte session key with HKDF-SHA256, and seals or
// opens frames with AES-256-GCM. Nonces are deterministic: a 4-byte prefix
// derived from the shared secret alongside the key (so both sides of a
// handshake hold the same one), concatenated with the 8-byte big-endian
// sequence number, binding every nonce to this session and forbidding
// reuse as long as sequence numbers stay monotonic.
package cryptosession

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrAuthFailure is returned by Open when the AEAD authentication tag does
// not verify. The receiver treats this as fatal for the session.
var ErrAuthFailure = errors.New("cryptosession: authentication failure")

// NonceSize is the AES-GCM nonce length: a 4-byte session prefix followed by
// an 8-byte big-endian sequence number.
const NonceSize = 12

// KeySize is the derived session key length (AES-256).
const KeySize = 32

// noncePrefixSize is the random prefix portion of every nonce.
const noncePrefixSize = 4

// hkdfInfo is a fixed context string mixed into the HKDF expand step.
const hkdfInfo = "warpcore/frame-session/v1"

// KeyPair is an ephemeral X25519 key pair used for one handshake.
type KeyPair struct {
	private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a fresh ephemeral X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, errors.Wrap(err, "cryptosession: generate private scalar")
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "cryptosession: derive public key")
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Session holds the derived AEAD and tracks per-frame nonce material. It is
// owned by exactly one engine (sender or receiver) at a time.
type Session struct {
	aead                cipher.AEAD
	noncePrefix         [noncePrefixSize]byte
	totalBytesEncrypted uint64
	enabled             bool
}

// NewDisabled returns a Session with encryption turned off: Seal and Open
// become no-ops that pass payloads through unchanged, matching spec §3's
// "when disabled" wire mode.
func NewDisabled() *Session {
	return &Session{enabled: false}
}

// Derive completes the handshake: given this side's key pair, the peer's
// public key, and a session salt (exchanged alongside the handshake, e.g. the
// room id or transfer id), it computes the shared secret, stretches it with
// HKDF-SHA256 into a 32-byte key, builds the AES-256-GCM AEAD, and reads
// this session's nonce prefix from the same HKDF stream.
func Derive(self *KeyPair, peerPublic [32]byte, salt []byte) (*Session, error) {
	shared, err := curve25519.X25519(self.private[:], peerPublic[:])
	if err != nil {
		return nil, errors.Wrap(err, "cryptosession: ECDH")
	}

	kdf := hkdf.New(sha256New, shared, salt, []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "cryptosession: HKDF expand")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "cryptosession: AES cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "cryptosession: GCM")
	}

	s := &Session{aead: aead, enabled: true}
	if _, err := io.ReadFull(kdf, s.noncePrefix[:]); err != nil {
		return nil, errors.Wrap(err, "cryptosession: nonce prefix")
	}
	return s, nil
}

// Enabled reports whether this session performs real encryption.
func (s *Session) Enabled() bool {
	return s.enabled
}

func (s *Session) nonce(sequence uint32) [NonceSize]byte {
	var n [NonceSize]byte
	copy(n[:noncePrefixSize], s.noncePrefix[:])
	binary.BigEndian.PutUint64(n[noncePrefixSize:], uint64(sequence))
	return n
}

// Seal encrypts plaintext under this session's key, using headerBytes as
// associated data (so any header tampering is detected on Open). Returns
// ciphertext with the GCM tag appended. When the session is disabled, it
// returns plaintext unchanged.
func (s *Session) Seal(sequence uint32, headerBytes []byte, plaintext []byte) []byte {
	if !s.enabled {
		return plaintext
	}
	nonce := s.nonce(sequence)
	out := s.aead.Seal(nil, nonce[:], plaintext, headerBytes)
	s.totalBytesEncrypted += uint64(len(plaintext))
	return out
}

// Open authenticates and decrypts ciphertext sealed by Seal with the same
// sequence and headerBytes. Returns ErrAuthFailure on tag mismatch or
// associated-data (header) mismatch. When the session is disabled, it
// returns ciphertext unchanged.
func (s *Session) Open(sequence uint32, headerBytes []byte, ciphertext []byte) ([]byte, error) {
	if !s.enabled {
		return ciphertext, nil
	}
	nonce := s.nonce(sequence)
	plaintext, err := s.aead.Open(nil, nonce[:], ciphertext, headerBytes)
	if err != nil {
		return nil, ErrAuthFailure
	}
	s.totalBytesEncrypted += uint64(len(plaintext))
	return plaintext, nil
}

// TotalBytesEncrypted returns the cumulative number of plaintext bytes
// sealed or opened through this session.
func (s *Session) TotalBytesEncrypted() uint64 {
	return s.totalBytesEncrypted
}

// Reset zeros accounting and advances the nonce prefix by one for a new
// batch, preventing nonce reuse across fan-out batches that reuse the same
// derived key; two sessions from the same handshake stay in step as long as
// both call Reset. The sequence counter itself is owned by the engine, not
// the session; callers must restart sequences at 0 alongside calling Reset.
func (s *Session) Reset() error {
	if !s.enabled {
		return nil
	}
	s.totalBytesEncrypted = 0
	next := binary.BigEndian.Uint32(s.noncePrefix[:]) + 1
	binary.BigEndian.PutUint32(s.noncePrefix[:], next)
	return nil
}
