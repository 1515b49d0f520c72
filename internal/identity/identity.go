package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Size is the byte length of identities and derived addresses.
const Size = 32

// DefaultNamespace is the namespace tag user account addresses are derived under.
const DefaultNamespace = "user_account"

// ErrInvalidLength is returned when decoded text is not exactly Size bytes.
var ErrInvalidLength = errors.New("identity: invalid length")

// Key is an opaque identity. The engine only compares keys; possession of the
// matching private material is checked before a key ever reaches it.
type Key [Size]byte

// FromPublicKey converts an ed25519 public key into a Key.
func FromPublicKey(pub ed25519.PublicKey) (Key, error) {
	var k Key
	if len(pub) != Size {
		return k, ErrInvalidLength
	}
	copy(k[:], pub)
	return k, nil
}

// ParseKey decodes a base58 identity.
func ParseKey(s string) (Key, error) {
	var k Key
	if err := decode(s, k[:]); err != nil {
		return k, fmt.Errorf("parsing key %q: %w", s, err)
	}
	return k, nil
}

// MustParseKey is ParseKey for constants and tests.
func MustParseKey(s string) Key {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Key) String() string { return base58.Encode(k[:]) }

// IsZero reports whether k is the all-zero key.
func (k Key) IsZero() bool { return k == Key{} }

// PublicKey returns k as an ed25519 public key.
func (k Key) PublicKey() ed25519.PublicKey { return ed25519.PublicKey(k[:]) }

func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Address identifies a downstream account. User addresses are derived, never chosen.
type Address [Size]byte

// DeriveAddress computes the account address of userID under a namespace tag.
// The derivation is a pure function: BLAKE3 in key-derivation mode with the
// namespace tag as context and the user id as key material.
func DeriveAddress(namespace, userID string) Address {
	var a Address
	blake3.DeriveKey(namespace, []byte(userID), a[:])
	return a
}

// ParseAddress decodes a base58 address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if err := decode(s, a[:]); err != nil {
		return a, fmt.Errorf("parsing address %q: %w", s, err)
	}
	return a, nil
}

func (a Address) String() string { return base58.Encode(a[:]) }

// Key reinterprets the address as a ledger owner.
func (a Address) Key() Key { return Key(a) }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func decode(s string, dst []byte) error {
	raw, err := base58.Decode(s)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return ErrInvalidLength
	}
	copy(dst, raw)
	return nil
}

// Set is a set of identities.
type Set map[Key]struct{}

// NewSet returns a Set holding keys.
func NewSet(keys ...Key) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s Set) Contains(k Key) bool {
	_, ok := s[k]
	return ok
}
