package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	pairingIDPrefix = "veilchat pairing id v1"
	pairingKeyInfo  = "veilchat pairing key v1"

	// PairingSecretLen is the length of the random secret behind a
	// pairing code.
	PairingSecretLen = 16
)

// NewPairingCode generates a short-lived pairing code: 16 random bytes
// rendered as dash-grouped hex for manual entry on the linked device.
func NewPairingCode() (string, error) {
	secret := make([]byte, PairingSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	code := groupHex4(hex.EncodeToString(secret))
	ZeroBytes(secret)
	return code, nil
}

// PairingSecretFromCode recovers the raw secret from a human-entered
// pairing code.
func PairingSecretFromCode(code string) ([]byte, error) {
	norm := NormalizeCode(code)
	secret, err := hex.DecodeString(norm)
	if err != nil || len(secret) != PairingSecretLen {
		return nil, fmt.Errorf("malformed pairing code")
	}
	return secret, nil
}

// PairingID derives the opaque rendezvous identifier for a pairing
// session. The server matches primary and linked device on this id
// without ever learning the code secret.
func PairingID(secret []byte) string {
	h := sha256.New()
	h.Write([]byte(pairingIDPrefix))
	h.Write(secret)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// PairingKey derives the symmetric key protecting the approval payload
// carried through the server during pairing.
func PairingKey(secret []byte) ([32]byte, error) {
	return hkdf32(secret, nil, pairingKeyInfo)
}

// SealPairingPayload encrypts the approval payload (the fresh identity
// handed to the linked device) under the pairing key.
func SealPairingPayload(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create pairing cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(pairingKeyInfo)), nil
}

// OpenPairingPayload decrypts an approval payload sealed with
// SealPairingPayload.
func OpenPairingPayload(key [32]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create pairing cipher: %w", err)
	}
	if len(ciphertext) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("pairing payload too short")
	}
	nonce := ciphertext[:chacha20poly1305.NonceSize]
	plaintext, err := aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSize:], []byte(pairingKeyInfo))
	if err != nil {
		return nil, fmt.Errorf("failed to open pairing payload: %w", err)
	}
	return plaintext, nil
}
