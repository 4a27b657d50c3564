package effects

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	s, err := NewSigner()
	require.NoError(t, err)

	msg := []byte("event-id-bytes")
	sig := s.Sign(msg)

	assert.True(t, Verify(s.Public(), msg, sig))
	assert.False(t, Verify(s.Public(), []byte("tampered"), sig))

	other, err := NewSigner()
	require.NoError(t, err)
	assert.False(t, Verify(other.Public(), msg, sig))

	// Malformed inputs fail closed.
	assert.False(t, Verify(nil, msg, sig))
	assert.False(t, Verify(s.Public()[:16], msg, sig))
	assert.False(t, Verify(s.Public(), msg, sig[:10]))
}

func TestSignerFromSeedDeterminism(t *testing.T) {
	a := SignerFromSeed([]byte("device-seed"))
	b := SignerFromSeed([]byte("device-seed"))
	assert.Equal(t, a.Public(), b.Public())

	c := SignerFromSeed([]byte("other-seed"))
	assert.NotEqual(t, a.Public(), c.Public())

	msg := []byte("m")
	assert.True(t, Verify(b.Public(), msg, a.Sign(msg)))
}

func TestSealUnsealRoundTrip(t *testing.T) {
	key := DeriveKey32("aura keyshare v1", []byte("device-secret"))
	aad := []byte("device-a|participant-1")
	plaintext := []byte("share bytes that must stay secret")

	sealed, err := Seal(key, aad, plaintext, SystemRand{})
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(plaintext))

	got, err := Unseal(key, aad, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestUnsealRejectsMismatch(t *testing.T) {
	key := DeriveKey32("aura keyshare v1", []byte("device-secret"))
	aad := []byte("device-a|participant-1")

	sealed, err := Seal(key, aad, []byte("secret"), SystemRand{})
	require.NoError(t, err)

	// Different associated data: cross-device replay.
	_, err = Unseal(key, []byte("device-b|participant-1"), sealed)
	assert.ErrorIs(t, err, ErrUnsealFailed)

	// Different key.
	otherKey := DeriveKey32("aura keyshare v1", []byte("other-secret"))
	_, err = Unseal(otherKey, aad, sealed)
	assert.ErrorIs(t, err, ErrUnsealFailed)

	// Corrupted and truncated ciphertexts.
	sealed[len(sealed)-1] ^= 0xFF
	_, err = Unseal(key, aad, sealed)
	assert.ErrorIs(t, err, ErrUnsealFailed)

	_, err = Unseal(key, aad, sealed[:8])
	assert.ErrorIs(t, err, ErrUnsealFailed)
}

func TestDeriveKey32ContextSeparation(t *testing.T) {
	material := []byte("material")
	a := DeriveKey32("context-a", material)
	b := DeriveKey32("context-b", material)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, DeriveKey32("context-a", material))
}

func TestHashDomainSeparation(t *testing.T) {
	a := Hash("domain-a", []byte("x"))
	b := Hash("domain-b", []byte("x"))
	assert.NotEqual(t, a, b)

	// Part order is significant.
	ab := Hash("d", []byte("a"), []byte("b"))
	ba := Hash("d", []byte("b"), []byte("a"))
	assert.NotEqual(t, ab, ba)

	assert.Equal(t, a, Hash("domain-a", []byte("x")))
	assert.False(t, a.IsZero())
}

func TestZeroize(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zeroize(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}
