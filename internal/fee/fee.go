// Package fee computes basis-point fees and the transfers that settle them.
package fee

import (
	"math/bits"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/relayerr"
	"github.com/org/keyrelay/pkg/models"
)

// Instruction kinds, in execution order.
const (
	KindFee       = "fee"
	KindPrincipal = "principal"
)

// Instruction moves Amount to To. All instructions of a quote are authorized
// by the same signer and executed in order.
type Instruction struct {
	Kind   string       `json:"kind"`
	To     identity.Key `json:"to"`
	Amount uint64       `json:"amount"`
}

// Quote is the settlement plan for one transfer.
type Quote struct {
	Amount       uint64        `json:"amount"`
	Fee          uint64        `json:"fee"`
	FeeBps       uint16        `json:"fee_bps"`
	Instructions []Instruction `json:"instructions"`
}

// Received is what the recipient ends up with.
func (q Quote) Received() uint64 { return q.Amount - q.Fee }

// ResolveBps picks the rate for assetID: the native rate for the native
// asset, the override when it names assetID, else the generic asset rate.
func ResolveBps(policy *models.FeePolicy, override *models.AssetFeePolicy, assetID string) uint16 {
	if assetID == models.NativeAsset {
		return policy.NativeFeeBps
	}
	if override != nil && override.AssetID == assetID {
		return override.FeeBps
	}
	return policy.AssetFeeBps
}

// Compute returns max(floor(amount*bps/10000), minFee). The product is taken
// in 128 bits. The fee must stay strictly below amount.
func Compute(amount uint64, bps uint16, minFee uint64) (uint64, error) {
	if bps > models.MaxFeeBps {
		return 0, relayerr.ErrFeeTooHigh
	}
	hi, lo := bits.Mul64(amount, uint64(bps))
	fee, _ := bits.Div64(hi, lo, models.BpsDenominator)
	if fee < minFee {
		fee = minFee
	}
	if fee >= amount {
		return 0, relayerr.ErrFeeTooHigh
	}
	return fee, nil
}

// Settle plans a transfer of amount to recipient. A nil policy means no fee
// and a single principal instruction.
func Settle(amount uint64, recipient identity.Key, assetID string, policy *models.FeePolicy, override *models.AssetFeePolicy) (Quote, error) {
	q := Quote{Amount: amount}
	if policy != nil {
		q.FeeBps = ResolveBps(policy, override, assetID)
		f, err := Compute(amount, q.FeeBps, policy.MinFeeAmount)
		if err != nil {
			return Quote{}, err
		}
		q.Fee = f
		if f > 0 {
			q.Instructions = append(q.Instructions, Instruction{Kind: KindFee, To: policy.FeeCollector, Amount: f})
		}
	}
	q.Instructions = append(q.Instructions, Instruction{Kind: KindPrincipal, To: recipient, Amount: amount - q.Fee})
	return q, nil
}
