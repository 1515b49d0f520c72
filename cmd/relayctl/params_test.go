package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/payload"
)

func TestBuildParams(t *testing.T) {
	var recipient identity.Key
	recipient[0] = 7

	fn, raw, err := buildParams("transfer", paramInput{Recipient: recipient.String(), Amount: 42})
	require.NoError(t, err)
	require.Equal(t, payload.FunctionTransfer, fn)
	var p payload.TransferParams
	require.NoError(t, payload.Unmarshal(raw, &p))
	require.Equal(t, uint64(42), p.Amount)
	require.Equal(t, recipient, p.Recipient)

	fn, raw, err = buildParams("9", paramInput{Hex: "0xa0"})
	require.NoError(t, err)
	require.Equal(t, uint8(9), fn)
	require.Equal(t, []byte{0xa0}, raw)

	_, _, err = buildParams("9", paramInput{})
	require.Error(t, err)
	_, _, err = buildParams("create-swap", paramInput{AssetA: "bad"})
	require.Error(t, err)
	_, _, err = buildParams("swap", paramInput{})
	require.Error(t, err)
}
