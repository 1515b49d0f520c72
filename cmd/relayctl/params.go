package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/payload"
)

// paramInput carries the relay flags that build CBOR params.
type paramInput struct {
	Hex       string
	Recipient string
	Amount    uint64
	Mint      string
	Name      string
	AssetA    string
	AssetB    string
	AmountA   uint64
	AmountB   uint64
}

func parseFunction(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "transfer":
		return payload.FunctionTransfer, nil
	case "register-asset":
		return payload.FunctionRegisterAsset, nil
	case "create-swap":
		return payload.FunctionCreateSwap, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown function %q", s)
	}
	return uint8(n), nil
}

// buildParams resolves the function and encodes its params. Raw hex wins
// over typed flags; functions without a known schema require raw hex.
func buildParams(function string, in paramInput) (uint8, []byte, error) {
	fn, err := parseFunction(function)
	if err != nil {
		return 0, nil, err
	}
	if in.Hex != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(in.Hex, "0x"))
		if err != nil {
			return 0, nil, fmt.Errorf("invalid --params-hex: %w", err)
		}
		return fn, raw, nil
	}

	var v any
	switch fn {
	case payload.FunctionTransfer:
		recipient, err := identity.ParseKey(in.Recipient)
		if err != nil {
			return 0, nil, fmt.Errorf("--recipient: %w", err)
		}
		v = payload.TransferParams{Amount: in.Amount, Recipient: recipient}
	case payload.FunctionRegisterAsset:
		mint, err := identity.ParseKey(in.Mint)
		if err != nil {
			return 0, nil, fmt.Errorf("--mint: %w", err)
		}
		v = payload.RegisterAssetParams{Mint: mint, Name: in.Name}
	case payload.FunctionCreateSwap:
		a, err := identity.ParseKey(in.AssetA)
		if err != nil {
			return 0, nil, fmt.Errorf("--asset-a: %w", err)
		}
		b, err := identity.ParseKey(in.AssetB)
		if err != nil {
			return 0, nil, fmt.Errorf("--asset-b: %w", err)
		}
		v = payload.CreateSwapParams{AssetA: a, AssetB: b, AmountA: in.AmountA, AmountB: in.AmountB}
	default:
		return 0, nil, fmt.Errorf("function %d needs --params-hex", fn)
	}

	raw, err := payload.Marshal(v)
	if err != nil {
		return 0, nil, err
	}
	return fn, raw, nil
}
