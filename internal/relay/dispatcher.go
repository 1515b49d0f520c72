// Package relay authorizes actions signed by a temporary or backup key and
// carries them out: ledger transfers with fee settlement, and relayed calls
// to the downstream target.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/keyrelay/internal/fee"
	"github.com/org/keyrelay/internal/forward"
	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/ratelimit"
	"github.com/org/keyrelay/internal/relayerr"
	"github.com/org/keyrelay/internal/storage"
	"github.com/org/keyrelay/internal/target"
	"github.com/org/keyrelay/pkg/models"
)

// DefaultTransferFunctionID is the function id transfers are rate-limited under.
const DefaultTransferFunctionID uint8 = 2

// ErrZeroAmount is returned for a transfer of nothing.
var ErrZeroAmount = errors.New("amount must be positive")

// Recorder receives one entry per attempted action.
type Recorder interface {
	Record(ctx context.Context, entry *models.ActionEntry)
}

// Dispatcher runs each action as one atomic unit: every check, counter
// update, ledger move and the downstream forward commit together or not at all.
type Dispatcher struct {
	store      storage.StorageBackend
	fwd        forward.Forwarder
	recorder   Recorder
	now        func() time.Time
	transferFn uint8
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithTransferFunctionID sets the function id transfers are checked against
// the allow-list with.
func WithTransferFunctionID(id uint8) Option {
	return func(d *Dispatcher) { d.transferFn = id }
}

// WithRecorder attaches an action log.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// NewDispatcher creates a Dispatcher forwarding relayed calls through fwd.
func NewDispatcher(store storage.StorageBackend, fwd forward.Forwarder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		fwd:        fwd,
		now:        time.Now,
		transferFn: DefaultTransferFunctionID,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// TransferRequest moves Amount of AssetID from the user's account to Recipient.
type TransferRequest struct {
	RequestID string       `json:"-"`
	TempKey   identity.Key `json:"temp_key"`
	Signer    identity.Key `json:"-"`
	AssetID   string       `json:"asset_id"`
	Amount    uint64       `json:"amount"`
	Recipient identity.Key `json:"recipient"`
}

// RelayRequest forwards (FunctionID, Params) to the user's account on the target.
type RelayRequest struct {
	RequestID  string       `json:"-"`
	TempKey    identity.Key `json:"temp_key"`
	Signer     identity.Key `json:"-"`
	FunctionID uint8        `json:"function_id"`
	Params     []byte       `json:"params"`
}

// Result describes a committed action.
type Result struct {
	UserID        string            `json:"user_id"`
	TargetAddress identity.Address  `json:"target_address"`
	SignerRole    models.SignerRole `json:"signer_role"`
	FunctionID    uint8             `json:"function_id"`
	DailyTxCount  *uint32           `json:"daily_tx_count,omitempty"`
	Quote         *fee.Quote        `json:"quote,omitempty"`
	PayloadDigest string            `json:"payload_digest,omitempty"`
}

// Transfer authorizes and settles a ledger transfer.
func (d *Dispatcher) Transfer(ctx context.Context, req TransferRequest) (*Result, error) {
	entry := &models.ActionEntry{
		RequestID:  req.RequestID,
		Kind:       models.ActionTransfer,
		Signer:     req.Signer,
		TempKey:    req.TempKey,
		FunctionID: d.transferFn,
		AssetID:    req.AssetID,
		Amount:     req.Amount,
		Recipient:  &req.Recipient,
	}
	if req.Amount == 0 {
		return nil, d.finish(ctx, entry, nil, ErrZeroAmount)
	}

	var res *Result
	err := d.store.Atomic(ctx, func(tx storage.Records) error {
		r, err := d.authorize(ctx, tx, d.now(), req.TempKey, req.Signer, d.transferFn)
		res = r
		if err != nil {
			return err
		}

		feePolicy, err := optional(tx.GetFeePolicy(ctx))
		if err != nil {
			return err
		}
		var override *models.AssetFeePolicy
		if req.AssetID != models.NativeAsset {
			if override, err = optional(tx.GetAssetFeePolicy(ctx, req.AssetID)); err != nil {
				return err
			}
		}
		q, err := fee.Settle(req.Amount, req.Recipient, req.AssetID, feePolicy, override)
		if err != nil {
			return err
		}

		from := r.TargetAddress.Key()
		for _, ins := range q.Instructions {
			if err := tx.Transfer(ctx, req.AssetID, from, ins.To, ins.Amount); err != nil {
				return fmt.Errorf("settling %s: %w", ins.Kind, err)
			}
		}
		r.Quote = &q
		return nil
	})
	if res != nil && res.Quote != nil {
		entry.Fee = res.Quote.Fee
	}
	return res, d.finish(ctx, entry, res, err)
}

// Relay authorizes an opaque call and forwards it exactly once.
func (d *Dispatcher) Relay(ctx context.Context, req RelayRequest) (*Result, error) {
	entry := &models.ActionEntry{
		RequestID:     req.RequestID,
		Kind:          models.ActionRelay,
		Signer:        req.Signer,
		TempKey:       req.TempKey,
		FunctionID:    req.FunctionID,
		PayloadDigest: identity.Digest(req.Params),
	}

	var res *Result
	err := d.store.Atomic(ctx, func(tx storage.Records) error {
		r, err := d.authorize(ctx, tx, d.now(), req.TempKey, req.Signer, req.FunctionID)
		res = r
		if err != nil {
			return err
		}
		r.PayloadDigest = entry.PayloadDigest
		return d.fwd.Forward(ctx, r.TargetAddress, req.Signer, req.FunctionID, req.Params)
	})
	return res, d.finish(ctx, entry, res, err)
}

// authorize runs the checks shared by both actions, in order: revocation,
// signer classification, expiry of the temporary key, then the rate-limit
// window when the user has a security policy. The returned Result is
// populated as far as the checks got.
func (d *Dispatcher) authorize(ctx context.Context, tx storage.Records, now time.Time, tempKey, signer identity.Key, functionID uint8) (*Result, error) {
	km, err := tx.GetKeyMapping(ctx, tempKey)
	if err != nil {
		return nil, err
	}
	r := &Result{UserID: km.UserID, TargetAddress: km.TargetAddress, FunctionID: functionID}

	if km.Revoked {
		return r, relayerr.ErrRevokedKey
	}
	r.SignerRole = km.SignerRole(signer)
	if r.SignerRole == models.RoleNone {
		return r, relayerr.ErrInvalidKeySigner
	}
	if r.SignerRole == models.RoleMain && km.IsExpired(now) {
		return r, relayerr.ErrExpiredKey
	}

	sp, err := optional(tx.GetSecurityPolicy(ctx, km.UserID))
	if err != nil {
		return r, err
	}
	if sp != nil {
		updated, err := ratelimit.Apply(*sp, now, functionID)
		if err != nil {
			return r, err
		}
		if err := tx.PutSecurityPolicy(ctx, &updated); err != nil {
			return r, err
		}
		r.DailyTxCount = &updated.DailyTxCount
	}
	return r, nil
}

// finish records the attempt and logs its outcome. It returns err unchanged.
func (d *Dispatcher) finish(ctx context.Context, entry *models.ActionEntry, res *Result, err error) error {
	if res != nil {
		entry.UserID = res.UserID
		entry.SignerRole = res.SignerRole
	}
	entry.Timestamp = d.now().UTC()
	entry.Outcome = Outcome(err)
	if err != nil {
		entry.Error = err.Error()
		entry.Fee = 0
	}
	if d.recorder != nil {
		// The unit may have committed after the caller went away.
		d.recorder.Record(context.WithoutCancel(ctx), entry)
	}

	var ev *zerolog.Event
	if err != nil {
		ev = log.Warn().Err(err)
	} else {
		ev = log.Info()
	}
	ev.Str("kind", entry.Kind).
		Str("user_id", entry.UserID).
		Str("signer", entry.Signer.String()).
		Str("role", string(entry.SignerRole)).
		Uint8("function_id", entry.FunctionID).
		Uint64("fee", entry.Fee).
		Str("outcome", entry.Outcome).
		Msg("action")
	return err
}

// Outcome names the result of an action for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return models.OutcomeOK
	case relayerr.CodeOf(err) != "":
		return relayerr.CodeOf(err)
	case target.CodeOf(err) != "":
		return target.CodeOf(err)
	case errors.Is(err, storage.ErrNotFound):
		return "NotFound"
	case errors.Is(err, storage.ErrInsufficientFunds):
		return "InsufficientFunds"
	case errors.Is(err, ErrZeroAmount):
		return "InvalidAmount"
	default:
		return "Error"
	}
}

// optional turns storage.ErrNotFound into a nil record.
func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return v, err
}
