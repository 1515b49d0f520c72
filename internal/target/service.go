// Package target is the reference downstream execution target. It checks the
// caller it was configured to trust, honors a pause switch, dispatches the
// built-in handlers by function id and counts the actions it executes.
package target

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/payload"
)

var (
	ErrServicePaused      = errors.New("target: service is paused")
	ErrUnauthorizedCaller = errors.New("target: unauthorized caller")
	ErrUnknownFunction    = errors.New("target: unknown function id")
	ErrBadParams          = errors.New("target: malformed params")
	ErrNotAdmin           = errors.New("target: caller is not the admin")
)

// Error codes for the wire form of the errors above.
var codes = map[error]string{
	ErrServicePaused:      "ServicePaused",
	ErrUnauthorizedCaller: "UnauthorizedCaller",
	ErrUnknownFunction:    "UnknownFunction",
	ErrBadParams:          "BadParams",
	ErrNotAdmin:           "NotAdmin",
}

// CodeOf returns the wire code of a target error, or "".
func CodeOf(err error) string {
	for e, c := range codes {
		if errors.Is(err, e) {
			return c
		}
	}
	return ""
}

// ErrorForCode is the inverse of CodeOf.
func ErrorForCode(code string) error {
	for e, c := range codes {
		if c == code {
			return e
		}
	}
	return nil
}

// State is a snapshot of the target.
type State struct {
	Admin            identity.Key `json:"admin"`
	AuthorizedCaller identity.Key `json:"authorized_caller"`
	CreatedAt        time.Time    `json:"created_at"`
	Paused           bool         `json:"paused"`
	TxCount          uint64       `json:"tx_count"`
}

// Receipt describes one executed action.
type Receipt struct {
	FunctionID uint8            `json:"function_id"`
	Account    identity.Address `json:"account"`
	Signer     identity.Key     `json:"signer"`
	TxCount    uint64           `json:"tx_count"`
	Summary    string           `json:"summary"`
}

type handler func(params []byte) (string, error)

// Service is safe for concurrent use.
type Service struct {
	mu       sync.Mutex
	state    State
	handlers map[uint8]handler
}

// NewService creates a running, unpaused target that trusts authorizedCaller.
func NewService(admin, authorizedCaller identity.Key) *Service {
	return &Service{
		state: State{
			Admin:            admin,
			AuthorizedCaller: authorizedCaller,
			CreatedAt:        time.Now().UTC(),
		},
		handlers: map[uint8]handler{
			payload.FunctionTransfer:      handleTransfer,
			payload.FunctionRegisterAsset: handleRegisterAsset,
			payload.FunctionCreateSwap:    handleCreateSwap,
		},
	}
}

// Invoke executes an encoded envelope for account on behalf of signer.
// caller is the identity that forwarded the call.
func (s *Service) Invoke(_ context.Context, caller identity.Key, account identity.Address, signer identity.Key, envelope []byte) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Paused {
		return nil, ErrServicePaused
	}
	if caller != s.state.AuthorizedCaller {
		return nil, ErrUnauthorizedCaller
	}

	env, err := payload.Decode(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	h, ok := s.handlers[env.FunctionID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFunction, env.FunctionID)
	}
	summary, err := h(env.Params)
	if err != nil {
		return nil, err
	}

	if s.state.TxCount < math.MaxUint64 {
		s.state.TxCount++
	}

	log.Info().
		Uint8("function_id", env.FunctionID).
		Str("account", account.String()).
		Str("signer", signer.String()).
		Uint64("tx_count", s.state.TxCount).
		Msg(summary)

	return &Receipt{
		FunctionID: env.FunctionID,
		Account:    account,
		Signer:     signer,
		TxCount:    s.state.TxCount,
		Summary:    summary,
	}, nil
}

// TogglePause flips the pause switch and returns the new value.
func (s *Service) TogglePause(caller identity.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.state.Admin {
		return false, ErrNotAdmin
	}
	s.state.Paused = !s.state.Paused
	log.Info().Bool("paused", s.state.Paused).Msg("target pause toggled")
	return s.state.Paused, nil
}

// ChangeAdmin hands the admin role to newAdmin.
func (s *Service) ChangeAdmin(caller, newAdmin identity.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.state.Admin {
		return ErrNotAdmin
	}
	s.state.Admin = newAdmin
	log.Info().Str("admin", newAdmin.String()).Msg("target admin changed")
	return nil
}

func (s *Service) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func decodeParams(params []byte, v any) error {
	if err := payload.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	return nil
}

func handleTransfer(params []byte) (string, error) {
	var p payload.TransferParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	return fmt.Sprintf("transfer %d => %s", p.Amount, p.Recipient), nil
}

func handleRegisterAsset(params []byte) (string, error) {
	var p payload.RegisterAssetParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	return fmt.Sprintf("register asset %s (%s)", p.Mint, p.Name), nil
}

func handleCreateSwap(params []byte) (string, error) {
	var p payload.CreateSwapParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	return fmt.Sprintf("create swap %s (%d) <-> %s (%d)", p.AssetA, p.AmountA, p.AssetB, p.AmountB), nil
}
