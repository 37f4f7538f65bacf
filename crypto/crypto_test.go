package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.NotEqual(t, kp1.Public, kp2.Public, "key pairs must be unique")
	assert.False(t, isZeroKey(kp1.Private))
}

func TestFromSecretKeyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	restored, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, restored.Public, "public key must be recoverable from the secret")
}

func TestSharedSecretAgreement(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := DeriveSharedSecret(bob.Public, alice.Private)
	require.NoError(t, err)
	ba, err := DeriveSharedSecret(alice.Public, bob.Private)
	require.NoError(t, err)
	assert.Equal(t, ab, ba, "both sides must derive the same secret")
}

func TestFingerprintAndPin(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	fp := Fingerprint(kp.Public)
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint(kp.Public), "fingerprint must be deterministic")

	pin := PinFromFingerprint(fp)
	// 20 hex digits in groups of four: xxxx-xxxx-xxxx-xxxx-xxxx
	assert.Len(t, pin, 24)
	assert.Equal(t, pin, PinFromFingerprint(fp))
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "ABCD-1234", "abcd1234"},
		{"strips spaces", " ab cd 12 ", "abcd12"},
		{"strips dashes", "ab-cd-12", "abcd12"},
		{"already normal", "abcd12", "abcd12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeCode(tt.in))
		})
	}
}

func TestCodesEqual(t *testing.T) {
	assert.True(t, CodesEqual("ABCD-1234", "abcd 1234"))
	assert.False(t, CodesEqual("abcd1234", "abcd1235"))
	assert.False(t, CodesEqual("abcd1234", "abcd123"))
}

func TestSealEnvelopeDeterministic(t *testing.T) {
	key := [32]byte{1, 2, 3}
	messageID, err := NewMessageID()
	require.NoError(t, err)
	plaintext := []byte("hello again")

	first, err := SealEnvelope(key, messageID, plaintext)
	require.NoError(t, err)
	second, err := SealEnvelope(key, messageID, plaintext)
	require.NoError(t, err)
	assert.Equal(t, first, second, "resend under the same message id must reproduce the ciphertext")

	opened, err := OpenEnvelope(key, messageID, first)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenEnvelopeRejectsWrongMessageID(t *testing.T) {
	key := [32]byte{9}
	sealed, err := SealEnvelope(key, "aaaabbbbccccddddaaaabbbbccccdddd", []byte("payload"))
	require.NoError(t, err)

	_, err = OpenEnvelope(key, "ddddccccbbbbaaaaddddccccbbbbaaaa", sealed)
	assert.Error(t, err, "envelope is bound to its message id")
}

func TestContentKeyRoundTrip(t *testing.T) {
	key, err := NewContentKey()
	require.NoError(t, err)

	sealed, err := SealContent(key, []byte("attachment bytes"))
	require.NoError(t, err)
	again, err := SealContent(key, []byte("attachment bytes"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "content sealing uses random nonces")

	opened, err := OpenContent(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("attachment bytes"), opened)
}

func TestPairingDerivation(t *testing.T) {
	code, err := NewPairingCode()
	require.NoError(t, err)

	secret, err := PairingSecretFromCode(code)
	require.NoError(t, err)
	id := PairingID(secret)
	assert.Len(t, id, 32)

	// The dash grouping is cosmetic: both spellings reach the same id.
	secret2, err := PairingSecretFromCode(NormalizeCode(code))
	require.NoError(t, err)
	assert.Equal(t, id, PairingID(secret2))

	key, err := PairingKey(secret)
	require.NoError(t, err)
	sealed, err := SealPairingPayload(key, []byte("identity"))
	require.NoError(t, err)
	opened, err := OpenPairingPayload(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("identity"), opened)
}

func TestDeriveMediaRoot(t *testing.T) {
	var shared [32]byte
	shared[0] = 7
	id, err := NewCallID()
	require.NoError(t, err)

	root1, err := DeriveMediaRoot(shared, id)
	require.NoError(t, err)
	root2, err := DeriveMediaRoot(shared, id)
	require.NoError(t, err)
	assert.Equal(t, root1, root2, "media root derivation is deterministic")

	other, err := NewCallID()
	require.NoError(t, err)
	root3, err := DeriveMediaRoot(shared, other)
	require.NoError(t, err)
	assert.NotEqual(t, root1, root3, "different calls yield different roots")
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	require.NoError(t, SecureWipe(data))
	for _, b := range data {
		assert.Zero(t, b)
	}
}

func TestNewMessageID(t *testing.T) {
	id, err := NewMessageID()
	require.NoError(t, err)
	assert.Len(t, id, 32)
	require.NoError(t, ValidateHexID(id))

	other, err := NewMessageID()
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}
