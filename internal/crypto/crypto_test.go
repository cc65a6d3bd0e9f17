package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T, mode Mode) *Engine {
	t.Helper()
	return NewEngine("test-secret", mode, zap.NewNop())
}

func TestSessionKeySymmetry(t *testing.T) {
	e := newTestEngine(t, ModeAESCBC)
	keyAB := e.DeriveSessionKey("pub-a", "pub-b")
	keyBA := e.DeriveSessionKey("pub-b", "pub-a")
	assert.Equal(t, keyAB, keyBA)
	assert.Len(t, keyAB, 32)

	other := e.DeriveSessionKey("pub-a", "pub-c")
	assert.NotEqual(t, keyAB, other)
}

func TestSessionKeyDependsOnSecret(t *testing.T) {
	e1 := NewEngine("K1", ModeAESCBC, zap.NewNop())
	e2 := NewEngine("K2", ModeAESCBC, zap.NewNop())
	assert.NotEqual(t, e1.DeriveSessionKey("a", "b"), e2.DeriveSessionKey("a", "b"))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for _, mode := range []Mode{ModeAESCBC, ModeStream} {
		e := newTestEngine(t, mode)
		key := e.DeriveSessionKey("a", "b")
		for _, size := range []int{0, 1, 15, 16, 17, 64, 1024, 4096} {
			plain := make([]byte, size)
			_, err := rand.Read(plain)
			require.NoError(t, err)

			ct, err := e.Encrypt(plain, key)
			require.NoError(t, err, "mode=%s size=%d", mode, size)
			got, err := e.Decrypt(ct, key)
			require.NoError(t, err, "mode=%s size=%d", mode, size)
			assert.True(t, bytes.Equal(plain, got), "mode=%s size=%d", mode, size)
		}
	}
}

func TestEncryptFreshIV(t *testing.T) {
	e := newTestEngine(t, ModeAESCBC)
	key := e.DeriveSessionKey("a", "b")
	ct1, err := e.Encrypt([]byte("same message"), key)
	require.NoError(t, err)
	ct2, err := e.Encrypt([]byte("same message"), key)
	require.NoError(t, err)
	assert.NotEqual(t, ct1, ct2)
}

func TestDecryptWrongKey(t *testing.T) {
	e := newTestEngine(t, ModeAESCBC)
	key := e.DeriveSessionKey("a", "b")
	wrong := e.DeriveSessionKey("a", "c")
	plain := []byte("payload destined elsewhere")

	ct, err := e.Encrypt(plain, key)
	require.NoError(t, err)

	got, err := e.Decrypt(ct, wrong)
	if err != nil {
		assert.ErrorIs(t, err, ErrDecryptionFailure)
	} else {
		// CBC with a wrong key can produce valid-looking padding; the result
		// must still differ from the plaintext so the signature check fails.
		assert.NotEqual(t, plain, got)
	}
}

func TestDecryptMalformed(t *testing.T) {
	e := newTestEngine(t, ModeAESCBC)
	key := e.DeriveSessionKey("a", "b")
	for _, data := range [][]byte{nil, {1, 2, 3}, make([]byte, 17), make([]byte, 16)} {
		_, err := e.Decrypt(data, key)
		assert.ErrorIs(t, err, ErrDecryptionFailure, "len=%d", len(data))
	}
}

func TestSignVerify(t *testing.T) {
	e := newTestEngine(t, ModeAESCBC)
	msg := []byte("canonical message bytes")
	sig := e.Sign(msg)
	assert.True(t, e.Verify(msg, sig))
	assert.False(t, e.Verify([]byte("tampered"), sig))

	other := NewEngine("other-secret", ModeAESCBC, zap.NewNop())
	assert.False(t, other.Verify(msg, sig))
}

func TestIdentityPublicID(t *testing.T) {
	a, err := NewIdentity("node_001", "alpha")
	require.NoError(t, err)
	b, err := NewIdentity("node_001", "alpha")
	require.NoError(t, err)
	assert.Len(t, a.PublicID, 64)
	// Derived from a fresh random seed each time.
	assert.NotEqual(t, a.PublicID, b.PublicID)
}

func TestChallengeRoundTrip(t *testing.T) {
	e := newTestEngine(t, ModeAESCBC)
	cs := NewChallengeStore(e, 0)

	nonce, err := cs.Generate("peer-1")
	require.NoError(t, err)
	require.Len(t, nonce, 32)

	resp := cs.Response(nonce)
	require.NoError(t, cs.VerifyResponse("peer-1", resp))

	// Consumed on verification: a second check fails.
	assert.ErrorIs(t, cs.VerifyResponse("peer-1", resp), ErrChallengeUnknown)
}

func TestChallengeBadResponse(t *testing.T) {
	e := newTestEngine(t, ModeAESCBC)
	cs := NewChallengeStore(e, 0)
	_, err := cs.Generate("peer-1")
	require.NoError(t, err)

	assert.ErrorIs(t, cs.VerifyResponse("peer-1", []byte("nope")), ErrChallengeMismatch)
	// Consumed even on failure.
	assert.ErrorIs(t, cs.VerifyResponse("peer-1", []byte("nope")), ErrChallengeUnknown)
}

func TestChallengeExpiry(t *testing.T) {
	e := newTestEngine(t, ModeAESCBC)
	cs := NewChallengeStore(e, DefaultChallengeTTL)
	nonce, err := cs.Generate("peer-1")
	require.NoError(t, err)

	cs.now = func() time.Time { return time.Now().Add(DefaultChallengeTTL + time.Second) }
	assert.ErrorIs(t, cs.VerifyResponse("peer-1", cs.Response(nonce)), ErrChallengeExpired)
}
