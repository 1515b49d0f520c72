package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyTextRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	k, err := FromPublicKey(pub)
	require.NoError(t, err)

	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	require.Equal(t, k, parsed)

	raw, err := json.Marshal(struct{ K Key }{k})
	require.NoError(t, err)
	var out struct{ K Key }
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, k, out.K)
}

func TestParseKeyRejectsWrongLength(t *testing.T) {
	_, err := ParseKey("3mJr7AoUXx2Wqd")
	require.ErrorIs(t, err, ErrInvalidLength)

	_, err = ParseKey("0OIl")
	require.Error(t, err)
}

func TestDeriveAddressIsDeterministic(t *testing.T) {
	a := DeriveAddress(DefaultNamespace, "alice")
	require.Equal(t, a, DeriveAddress(DefaultNamespace, "alice"))
	require.NotEqual(t, a, DeriveAddress(DefaultNamespace, "bob"))
	require.NotEqual(t, a, DeriveAddress("other", "alice"))
}

func TestRequestSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, _ := FromPublicKey(pub)
	body := []byte(`{"amount":1}`)

	sig := SignRequest(priv, "post", "/v1/actions/transfer", 1700000000, body)
	require.NoError(t, VerifyRequest(signer, sig, "POST", "/v1/actions/transfer", 1700000000, body))

	require.ErrorIs(t, VerifyRequest(signer, sig, "POST", "/v1/actions/relay", 1700000000, body), ErrBadSignature)
	require.ErrorIs(t, VerifyRequest(signer, sig, "POST", "/v1/actions/transfer", 1700000001, body), ErrBadSignature)
	require.ErrorIs(t, VerifyRequest(signer, sig, "POST", "/v1/actions/transfer", 1700000000, []byte(`{}`)), ErrBadSignature)
	require.ErrorIs(t, VerifyRequest(signer, "not-base58!", "POST", "/v1/actions/transfer", 1700000000, body), ErrBadSignature)
}
