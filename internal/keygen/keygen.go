// Package keygen produces license keys and installation identifiers.
// Keys are bearer credentials, so only crypto/rand is acceptable here.
package keygen

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"
)

const (
	keyAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyRandomLen = 20
)

// LicenseKey returns "{PREFIX}-{20 chars of [A-Z0-9]}". The prefix is
// upper-cased; uniqueness is enforced by the storage layer, not here.
func LicenseKey(prefix string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 1 + keyRandomLen)
	b.WriteString(strings.ToUpper(prefix))
	b.WriteByte('-')
	max := big.NewInt(int64(len(keyAlphabet)))
	for i := 0; i < keyRandomLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform entropy source is
			// broken, which is not recoverable at this level.
			panic(err)
		}
		b.WriteByte(keyAlphabet[n.Int64()])
	}
	return b.String()
}

// InstallationID returns 16 bytes of randomness, hex-encoded (32 chars).
func InstallationID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// KeyPrefix extracts the prefix part of an issued key. Re-keying keeps the
// old prefix.
func KeyPrefix(key string) string {
	if i := strings.IndexByte(key, '-'); i > 0 {
		return key[:i]
	}
	return key
}
