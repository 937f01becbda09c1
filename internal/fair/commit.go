// Package fair implements the provably-fair randomness protocol: a
// SHA-256 commit/reveal pair generated before a match starts, and
// deterministic draw streams derived from the committed seed. Clients can
// recompute every random outcome of a finished match from the revealed
// seed and nonce alone.
package fair

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	// SeedLen and NonceLen are fixed by the reveal protocol; clients
	// reject reveals of any other length.
	SeedLen  = 32
	NonceLen = 16
)

// Commitment binds a match to its randomness before the first gameplay
// event exists. Hash is public immediately; Seed and Nonce stay server-side
// until the match is completed.
type Commitment struct {
	Seed  [SeedLen]byte
	Nonce [NonceLen]byte
	Hash  string // lowercase hex of SHA-256(seed ‖ nonce)
}

// NewCommitment draws a fresh seed and nonce from crypto/rand and computes
// the commitment hash.
func NewCommitment() (*Commitment, error) {
	c := &Commitment{}
	if _, err := rand.Read(c.Seed[:]); err != nil {
		return nil, fmt.Errorf("drawing seed: %v", err)
	}
	if _, err := rand.Read(c.Nonce[:]); err != nil {
		return nil, fmt.Errorf("drawing nonce: %v", err)
	}
	c.Hash = HashCommitment(c.Seed[:], c.Nonce[:])
	return c, nil
}

// HashCommitment computes the lowercase hex SHA-256 of seed ‖ nonce.
func HashCommitment(seed, nonce []byte) string {
	h := sha256.New()
	h.Write(seed)
	h.Write(nonce)
	return hex.EncodeToString(h.Sum(nil))
}

// SeedHex returns the seed as lowercase hex for the reveal payload.
func (c *Commitment) SeedHex() string { return hex.EncodeToString(c.Seed[:]) }

// NonceHex returns the nonce as lowercase hex for the reveal payload.
func (c *Commitment) NonceHex() string { return hex.EncodeToString(c.Nonce[:]) }

// VerifyReveal recomputes the commitment from a revealed seed and nonce and
// compares it to the published hash in constant time. It returns false for
// malformed hex or wrong lengths; all-zero seed and nonce bytes are legal.
func VerifyReveal(seedHex, nonceHex, commitHash string) bool {
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != SeedLen {
		return false
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != NonceLen {
		return false
	}
	if len(commitHash) != sha256.Size*2 {
		return false
	}
	computed := HashCommitment(seed, nonce)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(commitHash)) == 1
}
