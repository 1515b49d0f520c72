package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a record that already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrInsufficientFunds is returned when a ledger debit exceeds the balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Records is the keyed record and ledger surface. Every lookup is by a
// deterministic key; there is no search.
type Records interface {
	// Key mappings
	InsertKeyMapping(ctx context.Context, m *models.KeyMapping) error
	GetKeyMapping(ctx context.Context, tempKey identity.Key) (*models.KeyMapping, error)
	UpdateKeyMapping(ctx context.Context, m *models.KeyMapping) error

	// Policies
	PutFeePolicy(ctx context.Context, p *models.FeePolicy) error
	GetFeePolicy(ctx context.Context) (*models.FeePolicy, error)
	PutAssetFeePolicy(ctx context.Context, p *models.AssetFeePolicy) error
	GetAssetFeePolicy(ctx context.Context, assetID string) (*models.AssetFeePolicy, error)
	PutSecurityPolicy(ctx context.Context, p *models.SecurityPolicy) error
	GetSecurityPolicy(ctx context.Context, userID string) (*models.SecurityPolicy, error)

	// Ledger
	Credit(ctx context.Context, assetID string, owner identity.Key, amount uint64) error
	Transfer(ctx context.Context, assetID string, from, to identity.Key, amount uint64) error
	Balance(ctx context.Context, assetID string, owner identity.Key) (uint64, error)
}

// StorageBackend defines the persistence interface for the relay.
type StorageBackend interface {
	Records

	// Atomic runs fn as one all-or-nothing unit. Records read through the
	// argument are locked against other units until fn returns; nothing fn
	// writes is visible to anyone if it returns an error.
	Atomic(ctx context.Context, fn func(tx Records) error) error

	// Action log
	WriteActionEntry(ctx context.Context, entry *models.ActionEntry) error
	QueryActionLog(ctx context.Context, filter ActionFilter) ([]*models.ActionEntry, error)

	// Metrics helpers
	CountKeyMappings(ctx context.Context) (int64, error)

	// Lifecycle
	Close()
}

// ActionFilter specifies query parameters for action log retrieval.
type ActionFilter struct {
	UserID string
	Since  *time.Time
	Limit  int
	Offset int
}
