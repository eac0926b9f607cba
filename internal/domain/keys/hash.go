package keys

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Hasher turns raw secrets into their stored lookup digest.
type Hasher struct {
	pepper []byte
}

// NewHasher returns a Hasher. With an empty pepper the digest is plain
// SHA-256; otherwise HMAC-SHA256 keyed by the pepper.
func NewHasher(pepper []byte) *Hasher {
	return &Hasher{pepper: pepper}
}

// Digest returns the hex-encoded digest of secret.
func (h *Hasher) Digest(secret string) string {
	if len(h.pepper) == 0 {
		sum := sha256.Sum256([]byte(secret))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Match compares a computed digest with a stored one in constant time.
func (h *Hasher) Match(digest, stored string) bool {
	a, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	b, err := hex.DecodeString(stored)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
