package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/relayerr"
	"github.com/org/keyrelay/internal/storage"
	"github.com/org/keyrelay/pkg/models"
)

// Manager creates, revokes and rotates temporary/backup key mappings.
type Manager struct {
	store     storage.StorageBackend
	admins    identity.Set
	namespace string
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNamespace sets the namespace tag target addresses are derived under.
func WithNamespace(ns string) Option {
	return func(m *Manager) { m.namespace = ns }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. admins are the identities allowed to register
// and revoke mappings.
func NewManager(store storage.StorageBackend, admins identity.Set, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		admins:    admins,
		namespace: identity.DefaultNamespace,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterRequest carries the inputs of a registration.
type RegisterRequest struct {
	UserID    string       `json:"user_id"`
	TempKey   identity.Key `json:"temp_key"`
	BackupKey identity.Key `json:"backup_key"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Register creates the mapping for req.TempKey. The target address is derived
// here once and cached in the record.
func (m *Manager) Register(ctx context.Context, caller identity.Key, req RegisterRequest) (*models.KeyMapping, error) {
	if !m.admins.Contains(caller) {
		return nil, relayerr.ErrUnauthorized
	}

	km := &models.KeyMapping{
		TempKey:       req.TempKey,
		BackupKey:     req.BackupKey,
		UserID:        req.UserID,
		TargetAddress: identity.DeriveAddress(m.namespace, req.UserID),
		ExpiresAt:     req.ExpiresAt.UTC().Truncate(time.Second),
		CreatedAt:     m.now().UTC().Truncate(time.Second),
	}
	if err := km.Validate(); err != nil {
		return nil, err
	}

	if err := m.store.InsertKeyMapping(ctx, km); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, relayerr.ErrDuplicateMapping
		}
		return nil, fmt.Errorf("registering mapping: %w", err)
	}

	log.Info().
		Str("user_id", km.UserID).
		Str("temp_key", km.TempKey.String()).
		Str("target", km.TargetAddress.String()).
		Time("expires_at", km.ExpiresAt).
		Msg("key mapping registered")
	return km, nil
}

// Get returns the mapping for tempKey.
func (m *Manager) Get(ctx context.Context, tempKey identity.Key) (*models.KeyMapping, error) {
	return m.store.GetKeyMapping(ctx, tempKey)
}

// Revoke marks the mapping revoked. Revocation is one-way.
func (m *Manager) Revoke(ctx context.Context, caller, tempKey identity.Key) (*models.KeyMapping, error) {
	if !m.admins.Contains(caller) {
		return nil, relayerr.ErrUnauthorized
	}

	var out *models.KeyMapping
	err := m.store.Atomic(ctx, func(tx storage.Records) error {
		km, err := tx.GetKeyMapping(ctx, tempKey)
		if err != nil {
			return err
		}
		if km.Revoked {
			return relayerr.ErrAlreadyRevoked
		}
		km.Revoked = true
		if err := tx.UpdateKeyMapping(ctx, km); err != nil {
			return err
		}
		out = km
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("user_id", out.UserID).Str("temp_key", tempKey.String()).Msg("key mapping revoked")
	return out, nil
}

// RotateBackup replaces the backup identity. Only the current backup identity
// may do this; expiry does not apply.
func (m *Manager) RotateBackup(ctx context.Context, caller, tempKey, newBackup identity.Key) (*models.KeyMapping, error) {
	var out *models.KeyMapping
	err := m.store.Atomic(ctx, func(tx storage.Records) error {
		km, err := tx.GetKeyMapping(ctx, tempKey)
		if err != nil {
			return err
		}
		if caller != km.BackupKey {
			return relayerr.ErrUnauthorized
		}
		km.BackupKey = newBackup
		if err := km.Validate(); err != nil {
			return err
		}
		if err := tx.UpdateKeyMapping(ctx, km); err != nil {
			return err
		}
		out = km
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("user_id", out.UserID).Str("temp_key", tempKey.String()).Msg("backup key rotated")
	return out, nil
}
