package fair

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestHashCommitment_ZeroSeedAndNonce(t *testing.T) {
	// All-zero seed and nonce are legal inputs; the commitment is simply
	// SHA-256 over 48 zero bytes.
	seed := make([]byte, SeedLen)
	nonce := make([]byte, NonceLen)

	hash := HashCommitment(seed, nonce)

	want := "17b0761f87b081d5cf10757ccc89f12be355c70e2e29df288b65b30710dcbcd1"
	if hash != want {
		t.Errorf("Expected zero-byte commitment %s, got %s", want, hash)
	}
	if !VerifyReveal(hex.EncodeToString(seed), hex.EncodeToString(nonce), hash) {
		t.Errorf("Expected zero-byte reveal to verify against its own commitment")
	}
}

func TestVerifyReveal_TamperedNonce(t *testing.T) {
	c, err := NewCommitment()
	if err != nil {
		t.Fatalf("NewCommitment failed: %v", err)
	}

	if !VerifyReveal(c.SeedHex(), c.NonceHex(), c.Hash) {
		t.Fatalf("Expected honest reveal to verify")
	}

	// Flip the last nonce byte: the reveal must no longer match.
	tampered := c.Nonce
	tampered[NonceLen-1] ^= 0x01
	if VerifyReveal(c.SeedHex(), hex.EncodeToString(tampered[:]), c.Hash) {
		t.Errorf("Expected tampered nonce to fail verification")
	}
}

func TestVerifyReveal_MalformedInputs(t *testing.T) {
	c, err := NewCommitment()
	if err != nil {
		t.Fatalf("NewCommitment failed: %v", err)
	}

	if VerifyReveal("zz", c.NonceHex(), c.Hash) {
		t.Errorf("Expected non-hex seed to fail verification")
	}
	if VerifyReveal(c.SeedHex()[:10], c.NonceHex(), c.Hash) {
		t.Errorf("Expected short seed to fail verification")
	}
	if VerifyReveal(c.SeedHex(), c.NonceHex(), c.Hash[:32]) {
		t.Errorf("Expected truncated commitment hash to fail verification")
	}
}

func TestNewCommitment_FreshEntropy(t *testing.T) {
	a, err := NewCommitment()
	if err != nil {
		t.Fatalf("NewCommitment failed: %v", err)
	}
	b, err := NewCommitment()
	if err != nil {
		t.Fatalf("NewCommitment failed: %v", err)
	}

	if a.Hash == b.Hash {
		t.Errorf("Expected two fresh commitments to differ, both were %s", a.Hash)
	}
	if len(a.Hash) != 64 || a.Hash != strings.ToLower(a.Hash) {
		t.Errorf("Expected 64-char lowercase hex hash, got %q", a.Hash)
	}
}
