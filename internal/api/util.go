package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/payload"
	"github.com/org/keyrelay/internal/relay"
	"github.com/org/keyrelay/internal/relayerr"
	"github.com/org/keyrelay/internal/storage"
	"github.com/org/keyrelay/internal/target"
	"github.com/org/keyrelay/pkg/models"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeCodedError(w, code, "", msg)
}

func writeCodedError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if code == "" {
		fmt.Fprintf(w, `{"errors":[%q]}`, msg)
		return
	}
	fmt.Fprintf(w, `{"errors":[%q],"code":%q}`, msg, code)
}

// writeDomainError maps err to its status and wire code.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	code := relay.Outcome(err)
	msg := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		code, msg = "Internal", "internal error"
	case code == "Error":
		code = "InvalidRequest"
	}
	writeCodedError(w, status, code, msg)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, relayerr.ErrRevokedKey),
		errors.Is(err, relayerr.ErrExpiredKey),
		errors.Is(err, relayerr.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, relayerr.ErrUnauthorized),
		errors.Is(err, relayerr.ErrInvalidKeySigner),
		errors.Is(err, relayerr.ErrFunctionNotAllowed),
		errors.Is(err, target.ErrUnauthorizedCaller),
		errors.Is(err, target.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, relayerr.ErrDuplicateMapping),
		errors.Is(err, relayerr.ErrAlreadyRevoked):
		return http.StatusConflict
	case errors.Is(err, relayerr.ErrDailyTxLimitExceeded),
		errors.Is(err, relayerr.ErrTxAmountLimitExceeded),
		errors.Is(err, relayerr.ErrDailyAmountLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, target.ErrServicePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, relayerr.ErrFeeTooHigh),
		errors.Is(err, relay.ErrZeroAmount),
		errors.Is(err, models.ErrInvalidUserID),
		errors.Is(err, models.ErrSameKeys),
		errors.Is(err, models.ErrZeroKey),
		errors.Is(err, models.ErrTooManyFunctions),
		errors.Is(err, target.ErrUnknownFunction),
		errors.Is(err, target.ErrBadParams),
		errors.Is(err, payload.ErrParamsTooLarge):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func keyParam(r *http.Request, name string) (identity.Key, error) {
	return identity.ParseKey(chi.URLParam(r, name))
}
