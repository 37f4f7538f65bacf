package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// SealEnvelope encrypts a message payload under the conversation key.
// The nonce is derived from the message id, so resending the same
// message id reproduces the identical ciphertext: the receiving side can
// detect a duplicate and treat it as idempotent.
func SealEnvelope(key [32]byte, messageID string, plaintext []byte) ([]byte, error) {
	if err := ValidateHexID(messageID); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create envelope cipher: %w", err)
	}
	nonce := envelopeNonce(messageID)
	return aead.Seal(nil, nonce, plaintext, []byte(messageID)), nil
}

// OpenEnvelope decrypts a message envelope sealed with SealEnvelope.
func OpenEnvelope(key [32]byte, messageID string, ciphertext []byte) ([]byte, error) {
	if err := ValidateHexID(messageID); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create envelope cipher: %w", err)
	}
	nonce := envelopeNonce(messageID)
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(messageID))
	if err != nil {
		return nil, fmt.Errorf("failed to open envelope: %w", err)
	}
	return plaintext, nil
}

// envelopeNonce derives the AEAD nonce from the message id. The id is
// unique per conversation, so the (key, nonce) pair never repeats except
// for a deliberate resend of the same envelope.
func envelopeNonce(messageID string) []byte {
	sum := sha256.Sum256([]byte("veilchat envelope nonce v1" + messageID))
	return sum[:chacha20poly1305.NonceSize]
}

// NewContentKey generates a fresh symmetric content key for out-of-band
// attachment ciphertext. Content keys travel separately from the message
// envelope that references the content.
func NewContentKey() ([]byte, error) {
	key := make([]byte, KeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate content key: %w", err)
	}
	return key, nil
}

// SealContent encrypts attachment bytes under a content key with a
// random nonce prepended to the ciphertext.
func SealContent(contentKey, plaintext []byte) ([]byte, error) {
	if len(contentKey) != KeyLen {
		return nil, fmt.Errorf("invalid content key length %d, want %d", len(contentKey), KeyLen)
	}
	aead, err := chacha20poly1305.New(contentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create content cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenContent decrypts attachment bytes produced by SealContent.
func OpenContent(contentKey, ciphertext []byte) ([]byte, error) {
	if len(contentKey) != KeyLen {
		return nil, fmt.Errorf("invalid content key length %d, want %d", len(contentKey), KeyLen)
	}
	aead, err := chacha20poly1305.New(contentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create content cipher: %w", err)
	}
	if len(ciphertext) < chacha20poly1305.NonceSize {
		return nil, errors.New("content ciphertext too short")
	}
	nonce := ciphertext[:chacha20poly1305.NonceSize]
	plaintext, err := aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open content: %w", err)
	}
	return plaintext, nil
}
