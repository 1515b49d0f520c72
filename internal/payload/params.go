package payload

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/org/keyrelay/internal/identity"
)

// Function ids of the built-in target handlers.
const (
	FunctionTransfer      uint8 = 0
	FunctionRegisterAsset uint8 = 1
	FunctionCreateSwap    uint8 = 2
)

// encMode uses Core Deterministic Encoding so equal params always produce
// equal bytes and equal digests. Identities encode as base58 text strings.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("payload: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("payload: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR params into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// TransferParams are the params of FunctionTransfer.
type TransferParams struct {
	Amount    uint64       `cbor:"amount" json:"amount"`
	Recipient identity.Key `cbor:"recipient" json:"recipient"`
}

// RegisterAssetParams are the params of FunctionRegisterAsset.
type RegisterAssetParams struct {
	Mint identity.Key `cbor:"mint" json:"mint"`
	Name string       `cbor:"name" json:"name"`
}

// CreateSwapParams are the params of FunctionCreateSwap.
type CreateSwapParams struct {
	AssetA  identity.Key `cbor:"asset_a" json:"asset_a"`
	AssetB  identity.Key `cbor:"asset_b" json:"asset_b"`
	AmountA uint64       `cbor:"amount_a" json:"amount_a"`
	AmountB uint64       `cbor:"amount_b" json:"amount_b"`
}
