package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Signed request headers.
const (
	HeaderSigner    = "X-Relay-Signer"
	HeaderTimestamp = "X-Relay-Timestamp"
	HeaderSignature = "X-Relay-Signature"
)

// ErrBadSignature is returned when a request signature does not verify.
var ErrBadSignature = errors.New("identity: signature verification failed")

// Digest returns the hex BLAKE3 digest of b.
func Digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// RequestMessage is the byte string a request signer signs:
// method, path, unix timestamp and body digest joined by newlines.
func RequestMessage(method, path string, timestamp int64, body []byte) []byte {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(method))
	sb.WriteByte('\n')
	sb.WriteString(path)
	sb.WriteByte('\n')
	sb.WriteString(strconv.FormatInt(timestamp, 10))
	sb.WriteByte('\n')
	sb.WriteString(Digest(body))
	return []byte(sb.String())
}

// SignRequest signs a request and returns the base58 signature.
func SignRequest(priv ed25519.PrivateKey, method, path string, timestamp int64, body []byte) string {
	sig := ed25519.Sign(priv, RequestMessage(method, path, timestamp, body))
	return base58.Encode(sig)
}

// VerifyRequest checks a base58 request signature against signer.
func VerifyRequest(signer Key, signature, method, path string, timestamp int64, body []byte) error {
	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(signer.PublicKey(), RequestMessage(method, path, timestamp, body), sig) {
		return ErrBadSignature
	}
	return nil
}
