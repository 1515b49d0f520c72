// Package forward delivers authorized relay actions to the downstream target.
package forward

import (
	"context"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/payload"
	"github.com/org/keyrelay/internal/target"
)

// Forwarder performs one downstream call asserting signer as its signer.
// Implementations must not retry.
type Forwarder interface {
	Forward(ctx context.Context, account identity.Address, signer identity.Key, functionID uint8, params []byte) error
}

// Local forwards to a target.Service in the same process.
type Local struct {
	svc    *target.Service
	caller identity.Key
}

// NewLocal returns a Forwarder that calls svc as caller.
func NewLocal(svc *target.Service, caller identity.Key) *Local {
	return &Local{svc: svc, caller: caller}
}

func (l *Local) Forward(ctx context.Context, account identity.Address, signer identity.Key, functionID uint8, params []byte) error {
	env, err := payload.Encode(functionID, params)
	if err != nil {
		return err
	}
	_, err = l.svc.Invoke(ctx, l.caller, account, signer, env)
	return err
}
