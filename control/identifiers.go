package control

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const base36Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// randomBase36 returns n characters drawn uniformly from the uppercase
// base-36 alphabet.
func randomBase36(n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)
	max := big.NewInt(int64(len(base36Alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(base36Alphabet[idx.Int64()])
	}
	return sb.String(), nil
}

// NewRoomID returns a fresh 6-character uppercase base-36 room identifier.
func NewRoomID() (string, error) {
	return randomBase36(6)
}

// NewTransferID returns a fresh transfer identifier of the form
// warp_<unix_ms>_<base36_5>, frozen at session creation time.
func NewTransferID(now time.Time) (string, error) {
	suffix, err := randomBase36(5)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("warp_%d_%s", now.UnixMilli(), suffix), nil
}
