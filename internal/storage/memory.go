package storage

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/pkg/models"
)

// ErrBalanceOverflow is returned when a credit would exceed the uint64 range.
var ErrBalanceOverflow = errors.New("balance overflow")

type balanceKey struct {
	asset string
	owner identity.Key
}

// memState is the full record set of a MemoryBackend. Atomic works on a
// clone and swaps it in on success.
type memState struct {
	mappings  map[identity.Key]models.KeyMapping
	fee       *models.FeePolicy
	assetFees map[string]models.AssetFeePolicy
	security  map[string]models.SecurityPolicy
	balances  map[balanceKey]uint64
}

func newMemState() *memState {
	return &memState{
		mappings:  make(map[identity.Key]models.KeyMapping),
		assetFees: make(map[string]models.AssetFeePolicy),
		security:  make(map[string]models.SecurityPolicy),
		balances:  make(map[balanceKey]uint64),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		mappings:  maps.Clone(s.mappings),
		assetFees: maps.Clone(s.assetFees),
		security:  make(map[string]models.SecurityPolicy, len(s.security)),
		balances:  maps.Clone(s.balances),
	}
	if s.fee != nil {
		f := *s.fee
		c.fee = &f
	}
	for k, p := range s.security {
		p.AllowedFunctionIDs = append(models.FunctionIDs(nil), p.AllowedFunctionIDs...)
		c.security[k] = p
	}
	return c
}

// MemoryBackend is an in-process StorageBackend. Atomic units are serialized
// by a single mutex.
type MemoryBackend struct {
	mu      sync.Mutex
	state   *memState
	actions []*models.ActionEntry
	nextID  int64
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: newMemState()}
}

func (m *MemoryBackend) Close() {}

// Atomic runs fn on a staged copy and publishes it when fn succeeds. Once fn
// has returned nil its side effects may already be visible downstream, so the
// unit commits even if ctx was cancelled meanwhile.
func (m *MemoryBackend) Atomic(_ context.Context, fn func(tx Records) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.state.clone()
	if err := fn(&memRecords{s: staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *MemoryBackend) live() (*memRecords, func()) {
	m.mu.Lock()
	return &memRecords{s: m.state}, m.mu.Unlock
}

func (m *MemoryBackend) InsertKeyMapping(ctx context.Context, km *models.KeyMapping) error {
	r, unlock := m.live()
	defer unlock()
	return r.InsertKeyMapping(ctx, km)
}

func (m *MemoryBackend) GetKeyMapping(ctx context.Context, tempKey identity.Key) (*models.KeyMapping, error) {
	r, unlock := m.live()
	defer unlock()
	return r.GetKeyMapping(ctx, tempKey)
}

func (m *MemoryBackend) UpdateKeyMapping(ctx context.Context, km *models.KeyMapping) error {
	r, unlock := m.live()
	defer unlock()
	return r.UpdateKeyMapping(ctx, km)
}

func (m *MemoryBackend) PutFeePolicy(ctx context.Context, p *models.FeePolicy) error {
	r, unlock := m.live()
	defer unlock()
	return r.PutFeePolicy(ctx, p)
}

func (m *MemoryBackend) GetFeePolicy(ctx context.Context) (*models.FeePolicy, error) {
	r, unlock := m.live()
	defer unlock()
	return r.GetFeePolicy(ctx)
}

func (m *MemoryBackend) PutAssetFeePolicy(ctx context.Context, p *models.AssetFeePolicy) error {
	r, unlock := m.live()
	defer unlock()
	return r.PutAssetFeePolicy(ctx, p)
}

func (m *MemoryBackend) GetAssetFeePolicy(ctx context.Context, assetID string) (*models.AssetFeePolicy, error) {
	r, unlock := m.live()
	defer unlock()
	return r.GetAssetFeePolicy(ctx, assetID)
}

func (m *MemoryBackend) PutSecurityPolicy(ctx context.Context, p *models.SecurityPolicy) error {
	r, unlock := m.live()
	defer unlock()
	return r.PutSecurityPolicy(ctx, p)
}

func (m *MemoryBackend) GetSecurityPolicy(ctx context.Context, userID string) (*models.SecurityPolicy, error) {
	r, unlock := m.live()
	defer unlock()
	return r.GetSecurityPolicy(ctx, userID)
}

func (m *MemoryBackend) Credit(ctx context.Context, assetID string, owner identity.Key, amount uint64) error {
	r, unlock := m.live()
	defer unlock()
	return r.Credit(ctx, assetID, owner, amount)
}

func (m *MemoryBackend) Transfer(ctx context.Context, assetID string, from, to identity.Key, amount uint64) error {
	// Run through a staged copy so a failed credit leaves the debit undone.
	return m.Atomic(ctx, func(tx Records) error {
		return tx.Transfer(ctx, assetID, from, to, amount)
	})
}

func (m *MemoryBackend) Balance(ctx context.Context, assetID string, owner identity.Key) (uint64, error) {
	r, unlock := m.live()
	defer unlock()
	return r.Balance(ctx, assetID, owner)
}

func (m *MemoryBackend) WriteActionEntry(_ context.Context, e *models.ActionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	cp := *e
	m.actions = append(m.actions, &cp)
	return nil
}

func (m *MemoryBackend) QueryActionLog(_ context.Context, f ActionFilter) ([]*models.ActionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ActionEntry
	for _, e := range m.actions {
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryBackend) CountKeyMappings(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, km := range m.state.mappings {
		if !km.Revoked {
			n++
		}
	}
	return n, nil
}

// memRecords implements Records directly on a memState. Callers hold the
// backend mutex.
type memRecords struct {
	s *memState
}

func (r *memRecords) InsertKeyMapping(_ context.Context, km *models.KeyMapping) error {
	if _, ok := r.s.mappings[km.TempKey]; ok {
		return ErrAlreadyExists
	}
	r.s.mappings[km.TempKey] = *km
	return nil
}

func (r *memRecords) GetKeyMapping(_ context.Context, tempKey identity.Key) (*models.KeyMapping, error) {
	km, ok := r.s.mappings[tempKey]
	if !ok {
		return nil, ErrNotFound
	}
	return &km, nil
}

func (r *memRecords) UpdateKeyMapping(_ context.Context, km *models.KeyMapping) error {
	cur, ok := r.s.mappings[km.TempKey]
	if !ok {
		return ErrNotFound
	}
	cur.BackupKey = km.BackupKey
	cur.ExpiresAt = km.ExpiresAt
	cur.Revoked = km.Revoked
	r.s.mappings[km.TempKey] = cur
	return nil
}

func (r *memRecords) PutFeePolicy(_ context.Context, p *models.FeePolicy) error {
	cp := *p
	r.s.fee = &cp
	return nil
}

func (r *memRecords) GetFeePolicy(_ context.Context) (*models.FeePolicy, error) {
	if r.s.fee == nil {
		return nil, ErrNotFound
	}
	cp := *r.s.fee
	return &cp, nil
}

func (r *memRecords) PutAssetFeePolicy(_ context.Context, p *models.AssetFeePolicy) error {
	r.s.assetFees[p.AssetID] = *p
	return nil
}

func (r *memRecords) GetAssetFeePolicy(_ context.Context, assetID string) (*models.AssetFeePolicy, error) {
	p, ok := r.s.assetFees[assetID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *memRecords) PutSecurityPolicy(_ context.Context, p *models.SecurityPolicy) error {
	cp := *p
	cp.AllowedFunctionIDs = append(models.FunctionIDs(nil), p.AllowedFunctionIDs...)
	r.s.security[p.UserID] = cp
	return nil
}

func (r *memRecords) GetSecurityPolicy(_ context.Context, userID string) (*models.SecurityPolicy, error) {
	p, ok := r.s.security[userID]
	if !ok {
		return nil, ErrNotFound
	}
	p.AllowedFunctionIDs = append(models.FunctionIDs(nil), p.AllowedFunctionIDs...)
	return &p, nil
}

func (r *memRecords) Credit(_ context.Context, assetID string, owner identity.Key, amount uint64) error {
	k := balanceKey{asset: assetID, owner: owner}
	cur := r.s.balances[k]
	if cur+amount < cur {
		return ErrBalanceOverflow
	}
	r.s.balances[k] = cur + amount
	return nil
}

func (r *memRecords) Transfer(ctx context.Context, assetID string, from, to identity.Key, amount uint64) error {
	if amount == 0 {
		return nil
	}
	k := balanceKey{asset: assetID, owner: from}
	cur := r.s.balances[k]
	if cur < amount {
		return ErrInsufficientFunds
	}
	r.s.balances[k] = cur - amount
	return r.Credit(ctx, assetID, to, amount)
}

func (r *memRecords) Balance(_ context.Context, assetID string, owner identity.Key) (uint64, error) {
	return r.s.balances[balanceKey{asset: assetID, owner: owner}], nil
}

var _ StorageBackend = (*MemoryBackend)(nil)
