package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	convKeyInfo   = "veilchat conversation key v1"
	mediaRootInfo = "veilchat media root v1"
	groupKeyInfo  = "veilchat group conversation key v1"
)

// ConversationKey derives the pairwise envelope key from the X25519
// shared secret of the two identities. Both sides derive the same key.
func ConversationKey(sharedSecret [32]byte) ([32]byte, error) {
	return hkdf32(sharedSecret[:], nil, convKeyInfo)
}

// GroupConversationKey derives the group envelope key from the
// server-distributed group secret.
func GroupConversationKey(groupSecret []byte) ([32]byte, error) {
	if len(groupSecret) == 0 {
		return [32]byte{}, fmt.Errorf("empty group secret")
	}
	return hkdf32(groupSecret, nil, groupKeyInfo)
}

// DeriveMediaRoot produces the fixed-length root secret for a call,
// bound to both the pairwise shared secret and the call identifier.
// Deterministic: both peers derive the same value without a round trip.
func DeriveMediaRoot(sharedSecret [32]byte, callID CallID) (MediaRoot, error) {
	out, err := hkdf32(sharedSecret[:], callID[:], mediaRootInfo)
	if err != nil {
		return MediaRoot{}, err
	}
	return MediaRoot(out), nil
}

func hkdf32(secret, salt []byte, info string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return out, nil
}
