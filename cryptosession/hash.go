package cryptosession

import (
	"crypto/sha256"
	"hash"
)

// sha256New adapts crypto/sha256 to the func() hash.Hash shape hkdf.New
// expects.
func sha256New() hash.Hash {
	return sha256.New()
}
