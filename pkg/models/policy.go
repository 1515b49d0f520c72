package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/relayerr"
)

const (
	// MaxFeeBps caps every configured fee rate (20%).
	MaxFeeBps = 2000
	// BpsDenominator is 100% in basis points.
	BpsDenominator = 10000
	// MaxAllowedFunctions bounds a security policy's allow-list.
	MaxAllowedFunctions = 10
	// SecondsPerDay is the width of one rate-limit window.
	SecondsPerDay = 86400
)

// NativeAsset is the asset id of the native unit.
const NativeAsset = ""

var ErrTooManyFunctions = errors.New("at most 10 allowed function ids")

// FeePolicy is the singleton fee configuration.
type FeePolicy struct {
	FeeCollector identity.Key `json:"fee_collector"`
	NativeFeeBps uint16       `json:"native_fee_bps"`
	AssetFeeBps  uint16       `json:"asset_fee_bps"`
	MinFeeAmount uint64       `json:"min_fee_amount"`
	Authority    identity.Key `json:"authority"`
}

// Validate enforces the fee rate cap.
func (p *FeePolicy) Validate() error {
	if p.NativeFeeBps > MaxFeeBps || p.AssetFeeBps > MaxFeeBps {
		return relayerr.ErrFeeTooHigh
	}
	return nil
}

// AssetFeePolicy overrides FeePolicy.AssetFeeBps for one asset.
type AssetFeePolicy struct {
	AssetID string `json:"asset_id"`
	FeeBps  uint16 `json:"fee_bps"`
}

func (p *AssetFeePolicy) Validate() error {
	if p.FeeBps > MaxFeeBps {
		return relayerr.ErrFeeTooHigh
	}
	return nil
}

// FunctionIDs is a small set of downstream function selectors.
type FunctionIDs []uint8

// Contains reports whether id is in the set.
func (f FunctionIDs) Contains(id uint8) bool {
	for _, v := range f {
		if v == id {
			return true
		}
	}
	return false
}

// Ints returns the set as ints.
func (f FunctionIDs) Ints() []int {
	ints := make([]int, len(f))
	for i, v := range f {
		ints[i] = int(v)
	}
	return ints
}

// MarshalJSON writes the set as a number array rather than base64.
func (f FunctionIDs) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Ints())
}

func (f *FunctionIDs) UnmarshalJSON(b []byte) error {
	var ints []int
	if err := json.Unmarshal(b, &ints); err != nil {
		return err
	}
	out := make(FunctionIDs, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("function id %d out of range", v)
		}
		out[i] = uint8(v)
	}
	*f = out
	return nil
}

// SecurityPolicy holds a user's limits and the current day window.
//
// MaxAmountPerTx, MaxAmountPerDay and DailyAmount are stored and reset with the
// window but not compared against transfer amounts.
type SecurityPolicy struct {
	UserID             string      `json:"user_id"`
	MaxTxPerDay        uint32      `json:"max_tx_per_day"`
	MaxAmountPerTx     uint64      `json:"max_amount_per_tx"`
	MaxAmountPerDay    uint64      `json:"max_amount_per_day"`
	DailyTxCount       uint32      `json:"daily_tx_count"`
	DailyAmount        uint64      `json:"daily_amount"`
	LastDay            int64       `json:"last_day"`
	AllowedFunctionIDs FunctionIDs `json:"allowed_function_ids"`
}

func (p *SecurityPolicy) Validate() error {
	if err := ValidateUserID(p.UserID); err != nil {
		return err
	}
	if len(p.AllowedFunctionIDs) > MaxAllowedFunctions {
		return ErrTooManyFunctions
	}
	return nil
}

// DayNumber returns the window index of t.
func DayNumber(t time.Time) int64 {
	return t.Unix() / SecondsPerDay
}
