package p2p

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalKeyOrderIsStableAcrossInputOrder(t *testing.T) {
	keys := make([]*secp256k1.PublicKey, 4)
	for i := range keys {
		priv, err := secp256k1.GeneratePrivateKey()
		require.NoError(t, err)
		keys[i] = priv.PubKey()
	}

	original := make([]*secp256k1.PublicKey, len(keys))
	copy(original, keys)

	forward := CanonicalKeyOrder(keys)
	reversed := CanonicalKeyOrder([]*secp256k1.PublicKey{keys[3], keys[2], keys[1], keys[0]})

	require.Len(t, forward, 4)
	for i := range forward {
		assert.True(t, forward[i].IsEqual(reversed[i]),
			"canonical order must not depend on input order")
	}
	for i := 1; i < len(forward); i++ {
		assert.Negative(t, bytes.Compare(
			forward[i-1].SerializeCompressed(), forward[i].SerializeCompressed()))
	}
	for i := range keys {
		assert.True(t, keys[i].IsEqual(original[i]), "input slice must not be reordered")
	}
}

func TestSignerIndexOf(t *testing.T) {
	a, _ := secp256k1.GeneratePrivateKey()
	b, _ := secp256k1.GeneratePrivateKey()
	outsider, _ := secp256k1.GeneratePrivateKey()

	ordered := CanonicalKeyOrder([]*secp256k1.PublicKey{a.PubKey(), b.PubKey()})

	assert.GreaterOrEqual(t, SignerIndexOf(ordered, a.PubKey()), 0)
	assert.GreaterOrEqual(t, SignerIndexOf(ordered, b.PubKey()), 0)
	assert.NotEqual(t, SignerIndexOf(ordered, a.PubKey()), SignerIndexOf(ordered, b.PubKey()))
	assert.Equal(t, -1, SignerIndexOf(ordered, outsider.PubKey()))
}

func TestParsePublicKeyHex(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	encoded := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	parsed, err := ParsePublicKeyHex(encoded)
	require.NoError(t, err)
	assert.True(t, priv.PubKey().IsEqual(parsed))

	_, err = ParsePublicKeyHex("zznothex")
	assert.Error(t, err)

	_, err = ParsePublicKeyHex("deadbeef")
	assert.Error(t, err, "valid hex but not a point on the curve")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "short", shortID("short"))
	long := "12D3KooWQYhTNQdmr3ArTeUHRYzFg94BKyTkoWBDWez9kSCVe2Xo"
	abbreviated := shortID(long)
	assert.Len(t, []rune(abbreviated), 13)
	assert.Contains(t, abbreviated, "…")
}

func TestProtocolViolationErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &ProtocolViolationError{
		SessionID: "sess-1", Phase: PhaseComplete, Op: "share_nonces",
	})

	assert.True(t, errors.Is(err, ErrProtocolViolation))

	var pv *ProtocolViolationError
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, "sess-1", pv.SessionID)
	assert.Contains(t, pv.Error(), "share_nonces")
}

func TestConnectivityErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := &ConnectivityError{PeerID: "peer1", Attempts: 3, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 3 attempts")
}
