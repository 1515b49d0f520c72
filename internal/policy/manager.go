package policy

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/ratelimit"
	"github.com/org/keyrelay/internal/relayerr"
	"github.com/org/keyrelay/pkg/models"
)

// Store is the minimal interface the Manager needs from storage.
type Store interface {
	PutFeePolicy(ctx context.Context, p *models.FeePolicy) error
	GetFeePolicy(ctx context.Context) (*models.FeePolicy, error)
	PutAssetFeePolicy(ctx context.Context, p *models.AssetFeePolicy) error
	GetAssetFeePolicy(ctx context.Context, assetID string) (*models.AssetFeePolicy, error)
	PutSecurityPolicy(ctx context.Context, p *models.SecurityPolicy) error
	GetSecurityPolicy(ctx context.Context, userID string) (*models.SecurityPolicy, error)
}

// Manager writes fee and security policies. Every write replaces the record
// in full.
type Manager struct {
	store  Store
	admins identity.Set
	now    func() time.Time
}

// NewManager creates a policy Manager. now may be nil.
func NewManager(store Store, admins identity.Set, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, admins: admins, now: now}
}

// FeeSettings are the caller-supplied fee policy fields.
type FeeSettings struct {
	FeeCollector identity.Key `json:"fee_collector"`
	NativeFeeBps uint16       `json:"native_fee_bps"`
	AssetFeeBps  uint16       `json:"asset_fee_bps"`
	MinFeeAmount uint64       `json:"min_fee_amount"`
}

// SetFeePolicy replaces the singleton fee policy. The caller becomes its authority.
func (m *Manager) SetFeePolicy(ctx context.Context, caller identity.Key, s FeeSettings) (*models.FeePolicy, error) {
	if !m.admins.Contains(caller) {
		return nil, relayerr.ErrUnauthorized
	}
	p := &models.FeePolicy{
		FeeCollector: s.FeeCollector,
		NativeFeeBps: s.NativeFeeBps,
		AssetFeeBps:  s.AssetFeeBps,
		MinFeeAmount: s.MinFeeAmount,
		Authority:    caller,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := m.store.PutFeePolicy(ctx, p); err != nil {
		return nil, err
	}
	log.Info().
		Uint16("native_fee_bps", p.NativeFeeBps).
		Uint16("asset_fee_bps", p.AssetFeeBps).
		Uint64("min_fee_amount", p.MinFeeAmount).
		Msg("fee policy set")
	return p, nil
}

// SetAssetFeePolicy replaces the fee override of one asset.
func (m *Manager) SetAssetFeePolicy(ctx context.Context, caller identity.Key, assetID string, bps uint16) (*models.AssetFeePolicy, error) {
	if !m.admins.Contains(caller) {
		return nil, relayerr.ErrUnauthorized
	}
	p := &models.AssetFeePolicy{AssetID: assetID, FeeBps: bps}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := m.store.PutAssetFeePolicy(ctx, p); err != nil {
		return nil, err
	}
	log.Info().Str("asset_id", assetID).Uint16("fee_bps", bps).Msg("asset fee policy set")
	return p, nil
}

// SecurityLimits are the caller-supplied security policy fields.
type SecurityLimits struct {
	MaxTxPerDay        uint32             `json:"max_tx_per_day"`
	MaxAmountPerTx     uint64             `json:"max_amount_per_tx"`
	MaxAmountPerDay    uint64             `json:"max_amount_per_day"`
	AllowedFunctionIDs models.FunctionIDs `json:"allowed_function_ids"`
}

// SetSecurityPolicy replaces the security policy of userID and opens a fresh
// window on the current day.
func (m *Manager) SetSecurityPolicy(ctx context.Context, caller identity.Key, userID string, l SecurityLimits) (*models.SecurityPolicy, error) {
	if !m.admins.Contains(caller) {
		return nil, relayerr.ErrUnauthorized
	}
	p := &models.SecurityPolicy{
		UserID:             userID,
		MaxTxPerDay:        l.MaxTxPerDay,
		MaxAmountPerTx:     l.MaxAmountPerTx,
		MaxAmountPerDay:    l.MaxAmountPerDay,
		LastDay:            models.DayNumber(m.now()),
		AllowedFunctionIDs: dedupe(l.AllowedFunctionIDs),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := m.store.PutSecurityPolicy(ctx, p); err != nil {
		return nil, err
	}
	log.Info().
		Str("user_id", userID).
		Uint32("max_tx_per_day", p.MaxTxPerDay).
		Ints("allowed_function_ids", p.AllowedFunctionIDs.Ints()).
		Msg("security policy set")
	return p, nil
}

func (m *Manager) FeePolicy(ctx context.Context) (*models.FeePolicy, error) {
	return m.store.GetFeePolicy(ctx)
}

func (m *Manager) AssetFeePolicy(ctx context.Context, assetID string) (*models.AssetFeePolicy, error) {
	return m.store.GetAssetFeePolicy(ctx, assetID)
}

// SecurityStatus is a security policy plus the actions left today.
type SecurityStatus struct {
	*models.SecurityPolicy
	RemainingToday uint32 `json:"remaining_today"`
}

func (m *Manager) SecurityPolicy(ctx context.Context, userID string) (*SecurityStatus, error) {
	p, err := m.store.GetSecurityPolicy(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &SecurityStatus{SecurityPolicy: p, RemainingToday: ratelimit.Remaining(*p, m.now())}, nil
}

func dedupe(ids models.FunctionIDs) models.FunctionIDs {
	var out models.FunctionIDs
	for _, id := range ids {
		if !out.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}
