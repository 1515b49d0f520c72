package models

import (
	"errors"
	"time"

	"github.com/org/keyrelay/internal/identity"
)

// MaxUserIDLength bounds user ids; they are used as record keys and derivation input.
const MaxUserIDLength = 32

var (
	ErrInvalidUserID = errors.New("user id must be 1-32 bytes")
	ErrSameKeys      = errors.New("temporary and backup identities must differ")
	ErrZeroKey       = errors.New("identity must not be empty")
)

// KeyMapping binds one temporary identity to a user's permanent backup identity.
// It is keyed by TempKey and never deleted.
type KeyMapping struct {
	TempKey       identity.Key     `json:"temp_key"`
	BackupKey     identity.Key     `json:"backup_key"`
	UserID        string           `json:"user_id"`
	TargetAddress identity.Address `json:"target_address"`
	ExpiresAt     time.Time        `json:"expires_at"`
	Revoked       bool             `json:"revoked"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Validate checks the invariants every stored mapping holds.
func (m *KeyMapping) Validate() error {
	if err := ValidateUserID(m.UserID); err != nil {
		return err
	}
	if m.TempKey.IsZero() || m.BackupKey.IsZero() {
		return ErrZeroKey
	}
	if m.TempKey == m.BackupKey {
		return ErrSameKeys
	}
	return nil
}

// SignerRole classifies a signer against this mapping.
// It returns RoleNone when the signer is neither key.
func (m *KeyMapping) SignerRole(signer identity.Key) SignerRole {
	switch signer {
	case m.TempKey:
		return RoleMain
	case m.BackupKey:
		return RoleBackup
	default:
		return RoleNone
	}
}

// IsExpired reports whether the temporary key is past its expiry at now.
// Expiry never applies to the backup key.
func (m *KeyMapping) IsExpired(now time.Time) bool {
	return now.Unix() >= m.ExpiresAt.Unix()
}

// SignerRole is the part a signer plays for a mapping.
type SignerRole string

const (
	RoleNone   SignerRole = ""
	RoleMain   SignerRole = "main"
	RoleBackup SignerRole = "backup"
)

// ValidateUserID checks the user id length bound.
func ValidateUserID(userID string) error {
	if userID == "" || len(userID) > MaxUserIDLength {
		return ErrInvalidUserID
	}
	return nil
}
