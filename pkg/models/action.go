package models

import (
	"time"

	"github.com/org/keyrelay/internal/identity"
)

// Action kinds recorded in the action log.
const (
	ActionTransfer = "transfer"
	ActionRelay    = "relay"
)

// OutcomeOK marks a committed action. Failed actions record the error code.
const OutcomeOK = "ok"

// ActionEntry records one transfer or relay attempt. Params are never stored,
// only their digest.
type ActionEntry struct {
	ID            int64         `json:"id"`
	RequestID     string        `json:"request_id"`
	Timestamp     time.Time     `json:"timestamp"`
	Kind          string        `json:"kind"`
	Signer        identity.Key  `json:"signer"`
	SignerRole    SignerRole    `json:"signer_role,omitempty"`
	TempKey       identity.Key  `json:"temp_key"`
	UserID        string        `json:"user_id,omitempty"`
	FunctionID    uint8         `json:"function_id"`
	AssetID       string        `json:"asset_id,omitempty"`
	Amount        uint64        `json:"amount,omitempty"`
	Fee           uint64        `json:"fee,omitempty"`
	Recipient     *identity.Key `json:"recipient,omitempty"`
	PayloadDigest string        `json:"payload_digest,omitempty"`
	Outcome       string        `json:"outcome"`
	Error         string        `json:"error,omitempty"`
}
