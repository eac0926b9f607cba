package keys

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/go-faster/errors"
)

const (
	DefaultByteLength = 16
	MinByteLength     = 16
	MaxByteLength     = 255

	startLen = 4
)

// GenerateSecret returns a fresh raw secret of byteLength random bytes,
// optionally prefixed as "<prefix>_<random>", and the non-secret start used
// for display.
func GenerateSecret(prefix string, byteLength int) (secret, start string, err error) {
	if byteLength == 0 {
		byteLength = DefaultByteLength
	}
	if byteLength < MinByteLength || byteLength > MaxByteLength {
		return "", "", errors.Wrapf(ErrBadRequest, "byteLength must be between %d and %d", MinByteLength, MaxByteLength)
	}
	if strings.ContainsAny(prefix, " _") {
		return "", "", errors.Wrap(ErrBadRequest, "prefix must not contain spaces or underscores")
	}

	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", "", errors.Wrap(err, "read random bytes")
	}
	random := base64.RawURLEncoding.EncodeToString(buf)

	if prefix == "" {
		return random, random[:startLen], nil
	}
	return prefix + "_" + random, prefix + "_" + random[:startLen], nil
}
