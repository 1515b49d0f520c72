// Package crypto seals ed25519 signing keys under a passphrase for storage
// on disk.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/yaml.v3"

	"github.com/org/keyrelay/internal/identity"
)

const (
	keyFileVersion = 1
	sealContext    = "keyrelay-keyfile-v1"
)

// Argon2id parameters for new key files.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	ErrWrongPassphrase = errors.New("crypto: wrong passphrase or corrupted key file")
	ErrKeyMismatch     = errors.New("crypto: key file identity does not match sealed key")
)

// KeyFile is a passphrase-sealed signing key. Binary fields are base64.
type KeyFile struct {
	Version    int    `yaml:"version"`
	Identity   string `yaml:"identity"`
	KDF        string `yaml:"kdf"`
	Salt       string `yaml:"salt"`
	Time       uint32 `yaml:"time"`
	Memory     uint32 `yaml:"memory"`
	Threads    uint8  `yaml:"threads"`
	Nonce      string `yaml:"nonce"`
	Ciphertext string `yaml:"ciphertext"`
}

// GenerateKey creates a new ed25519 key pair.
func GenerateKey() (identity.Key, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return identity.Key{}, nil, fmt.Errorf("generating key: %w", err)
	}
	id, err := identity.FromPublicKey(pub)
	return id, priv, err
}

// SealKey encrypts priv under passphrase.
func SealKey(priv ed25519.PrivateKey, passphrase []byte) (*KeyFile, error) {
	id, err := identity.FromPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	kf := &KeyFile{
		Version:  keyFileVersion,
		Identity: id.String(),
		KDF:      "argon2id",
		Salt:     base64.StdEncoding.EncodeToString(salt),
		Time:     argonTime,
		Memory:   argonMemory,
		Threads:  argonThreads,
	}

	key, err := kf.sealKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := EncryptAESGCM(priv.Seed(), key)
	if err != nil {
		return nil, err
	}
	kf.Nonce = base64.StdEncoding.EncodeToString(nonce)
	kf.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)
	return kf, nil
}

// OpenKey decrypts the key sealed in kf.
func OpenKey(kf *KeyFile, passphrase []byte) (ed25519.PrivateKey, error) {
	if kf.Version != keyFileVersion || kf.KDF != "argon2id" {
		return nil, fmt.Errorf("crypto: unsupported key file (version %d, kdf %q)", kf.Version, kf.KDF)
	}
	salt, err1 := base64.StdEncoding.DecodeString(kf.Salt)
	nonce, err2 := base64.StdEncoding.DecodeString(kf.Nonce)
	ciphertext, err3 := base64.StdEncoding.DecodeString(kf.Ciphertext)
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, fmt.Errorf("crypto: decoding key file: %w", err)
	}

	key, err := kf.sealKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	seed, err := DecryptAESGCM(ciphertext, nonce, key)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	if len(seed) != ed25519.SeedSize {
		return nil, ErrWrongPassphrase
	}
	priv := ed25519.NewKeyFromSeed(seed)
	id, _ := identity.FromPublicKey(priv.Public().(ed25519.PublicKey))
	if id.String() != kf.Identity {
		return nil, ErrKeyMismatch
	}
	return priv, nil
}

// sealKey stretches the passphrase with argon2id and expands it into the
// AES key with HKDF-SHA256.
func (kf *KeyFile) sealKey(passphrase, salt []byte) ([]byte, error) {
	stretched := argon2.IDKey(passphrase, salt, kf.Time, kf.Memory, kf.Threads, 32)
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, stretched, salt, []byte(sealContext))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving seal key: %w", err)
	}
	return key, nil
}

// WriteKeyFile stores kf at path with owner-only permissions.
func WriteKeyFile(path string, kf *KeyFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(kf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ReadKeyFile loads a key file written by WriteKeyFile.
func ReadKeyFile(path string) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf KeyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}
	return &kf, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM. Returns ciphertext and nonce separately.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext.
func DecryptAESGCM(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
