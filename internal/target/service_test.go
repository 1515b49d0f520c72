package target

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/payload"
)

func key(b byte) identity.Key {
	var k identity.Key
	k[0] = b
	return k
}

var (
	admin  = key(0xad)
	relay  = key(0xee)
	signer = key(1)
	acct   = identity.DeriveAddress(identity.DefaultNamespace, "alice")
)

func envelope(t *testing.T, fn uint8, params any) []byte {
	t.Helper()
	raw, err := payload.Marshal(params)
	require.NoError(t, err)
	env, err := payload.Encode(fn, raw)
	require.NoError(t, err)
	return env
}

func TestInvokeHandlers(t *testing.T) {
	s := NewService(admin, relay)
	ctx := context.Background()

	cases := []struct {
		fn     uint8
		params any
	}{
		{payload.FunctionTransfer, payload.TransferParams{Amount: 5, Recipient: key(9)}},
		{payload.FunctionRegisterAsset, payload.RegisterAssetParams{Mint: key(8), Name: "USDC"}},
		{payload.FunctionCreateSwap, payload.CreateSwapParams{AssetA: key(8), AssetB: key(7), AmountA: 1, AmountB: 2}},
	}
	for i, tc := range cases {
		r, err := s.Invoke(ctx, relay, acct, signer, envelope(t, tc.fn, tc.params))
		require.NoError(t, err)
		require.Equal(t, tc.fn, r.FunctionID)
		require.Equal(t, uint64(i+1), r.TxCount)
	}
	require.Equal(t, uint64(3), s.Status().TxCount)
}

func TestInvokeRejections(t *testing.T) {
	s := NewService(admin, relay)
	ctx := context.Background()
	ok := envelope(t, payload.FunctionTransfer, payload.TransferParams{Amount: 1})

	_, err := s.Invoke(ctx, signer, acct, signer, ok)
	require.ErrorIs(t, err, ErrUnauthorizedCaller)

	_, err = s.Invoke(ctx, relay, acct, signer, envelope(t, 9, payload.TransferParams{}))
	require.ErrorIs(t, err, ErrUnknownFunction)

	bad, _ := payload.Encode(payload.FunctionTransfer, []byte{0xff})
	_, err = s.Invoke(ctx, relay, acct, signer, bad)
	require.ErrorIs(t, err, ErrBadParams)

	_, err = s.Invoke(ctx, relay, acct, signer, []byte{0})
	require.ErrorIs(t, err, ErrBadParams)

	require.Zero(t, s.Status().TxCount)
}

func TestPauseBlocksInvoke(t *testing.T) {
	s := NewService(admin, relay)
	ctx := context.Background()
	env := envelope(t, payload.FunctionTransfer, payload.TransferParams{Amount: 1})

	_, err := s.TogglePause(relay)
	require.ErrorIs(t, err, ErrNotAdmin)

	paused, err := s.TogglePause(admin)
	require.NoError(t, err)
	require.True(t, paused)
	_, err = s.Invoke(ctx, relay, acct, signer, env)
	require.ErrorIs(t, err, ErrServicePaused)

	paused, err = s.TogglePause(admin)
	require.NoError(t, err)
	require.False(t, paused)
	_, err = s.Invoke(ctx, relay, acct, signer, env)
	require.NoError(t, err)
}

func TestChangeAdmin(t *testing.T) {
	s := NewService(admin, relay)
	require.ErrorIs(t, s.ChangeAdmin(relay, relay), ErrNotAdmin)
	require.NoError(t, s.ChangeAdmin(admin, key(3)))

	_, err := s.TogglePause(admin)
	require.ErrorIs(t, err, ErrNotAdmin)
	_, err = s.TogglePause(key(3))
	require.NoError(t, err)
}

func TestTxCountSaturates(t *testing.T) {
	s := NewService(admin, relay)
	s.state.TxCount = math.MaxUint64
	_, err := s.Invoke(context.Background(), relay, acct, signer, envelope(t, payload.FunctionTransfer, payload.TransferParams{}))
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), s.Status().TxCount)
}

func TestCodes(t *testing.T) {
	for e, c := range codes {
		require.Equal(t, c, CodeOf(e))
		require.Equal(t, e, ErrorForCode(c))
	}
	require.Empty(t, CodeOf(nil))
	require.Nil(t, ErrorForCode("nope"))
}
