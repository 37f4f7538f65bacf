package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// CallIDLen is the fixed length of call identifiers.
const CallIDLen = 16

// KeyLen is the fixed length of call key material and media roots.
const KeyLen = 32

// CallID is a fixed-length random call identifier. Collisions are
// negligible at 128 bits.
type CallID [CallIDLen]byte

// NewCallID generates a fresh random call identifier.
func NewCallID() (CallID, error) {
	var id CallID
	if _, err := rand.Read(id[:]); err != nil {
		return CallID{}, fmt.Errorf("failed to generate call id: %w", err)
	}
	return id, nil
}

// CallIDFromBytes validates length and copies the input into a CallID.
func CallIDFromBytes(b []byte) (CallID, error) {
	var id CallID
	if len(b) != CallIDLen {
		return id, fmt.Errorf("invalid call id length %d, want %d", len(b), CallIDLen)
	}
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether the call id is the all-zero placeholder.
func (c CallID) IsZero() bool {
	for _, b := range c {
		if b != 0 {
			return false
		}
	}
	return true
}

// String renders the call id as lowercase hex.
func (c CallID) String() string {
	return hex.EncodeToString(c[:])
}

// CallKey is fixed-length symmetric call key material. Distinct from
// MediaRoot so the two cannot be mixed up.
type CallKey [KeyLen]byte

// NewCallKey generates fresh random call key material.
func NewCallKey() (CallKey, error) {
	var k CallKey
	if _, err := rand.Read(k[:]); err != nil {
		return CallKey{}, fmt.Errorf("failed to generate call key: %w", err)
	}
	return k, nil
}

// CallKeyFromBytes validates length and copies the input into a CallKey.
func CallKeyFromBytes(b []byte) (CallKey, error) {
	var k CallKey
	if len(b) != KeyLen {
		return k, fmt.Errorf("invalid call key length %d, want %d", len(b), KeyLen)
	}
	copy(k[:], b)
	return k, nil
}

// Wipe erases the key material in place.
func (k *CallKey) Wipe() {
	ZeroBytes(k[:])
}

// MediaRoot is a fixed-length root secret for deriving per-stream media keys.
type MediaRoot [KeyLen]byte

// Wipe erases the root secret in place.
func (m *MediaRoot) Wipe() {
	ZeroBytes(m[:])
}

// NewMessageID generates a caller-stable message identifier rendered as
// 32-char lowercase hex. Stable across resend by contract: resend passes
// the id of the original send.
func NewMessageID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %w", err)
	}
	return hex.EncodeToString(id.Bytes()), nil
}

// ValidateHexID checks that an engine-generated identifier is 32 chars of
// lowercase hex.
func ValidateHexID(id string) error {
	if len(id) != 32 {
		return fmt.Errorf("invalid id length %d, want 32", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		return fmt.Errorf("invalid id encoding: %w", err)
	}
	return nil
}
