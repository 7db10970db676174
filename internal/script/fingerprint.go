package script

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint identifies a script up to whitespace: two scripts with the same
// fingerprint are treated as identical for loop detection.
type Fingerprint string

// Normalize trims every line, drops blank lines and joins the rest with "\n".
func Normalize(src string) string {
	src = strings.ReplaceAll(src, "\r\n", "\n")
	lines := strings.Split(src, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, "\n")
}

// FingerprintOf returns the hex SHA-256 of the normalized script.
func FingerprintOf(src string) Fingerprint {
	sum := sha256.Sum256([]byte(Normalize(src)))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Short returns the first 12 hex characters, for logs.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}
