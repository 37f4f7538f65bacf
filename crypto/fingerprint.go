package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const (
	fingerprintPrefix = "veilchat peer id v1"
	sasPrefix         = "veilchat sas v1"

	// pinHexLen is the number of hex characters in a verification PIN
	// before grouping (80 bits).
	pinHexLen = 20
)

// Fingerprint computes the public-key digest shown to users for trust
// decisions, rendered as lowercase hex.
func Fingerprint(publicKey [32]byte) string {
	h := sha256.New()
	h.Write([]byte(fingerprintPrefix))
	h.Write(publicKey[:])
	return hex.EncodeToString(h.Sum(nil))
}

// PinFromFingerprint derives the short human-verifiable code for a
// fingerprint: the first 80 bits of a domain-separated hash, grouped in
// fours for readability ("a1b2-c3d4-...").
func PinFromFingerprint(fingerprint string) string {
	raw, err := hex.DecodeString(fingerprint)
	if err != nil || len(raw) != 32 {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(sasPrefix))
	h.Write(raw)
	digest := hex.EncodeToString(h.Sum(nil))
	return groupHex4(digest[:pinHexLen])
}

// NormalizeCode strips whitespace and dashes and lowercases a
// human-entered code (PIN or pairing code) for comparison.
func NormalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '-':
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CodesEqual compares two human-entered codes after normalization,
// in constant time over the normalized forms.
func CodesEqual(a, b string) bool {
	na := NormalizeCode(a)
	nb := NormalizeCode(b)
	if len(na) != len(nb) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(na), []byte(nb)) == 1
}

func groupHex4(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}
