// Package relayerr defines the closed set of conditions an action can fail with.
package relayerr

import "errors"

// Error is a named relay failure. Compare with errors.Is against the package variables.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

var (
	ErrUnauthorized             = newError("Unauthorized", "unauthorized")
	ErrAlreadyRevoked           = newError("AlreadyRevoked", "key mapping is already revoked")
	ErrInvalidKeySigner         = newError("InvalidKeySigner", "signer is neither the temporary nor the backup key")
	ErrRevokedKey               = newError("RevokedKey", "key mapping has been revoked")
	ErrExpiredKey               = newError("ExpiredKey", "temporary key has expired")
	ErrSessionExpired           = newError("SessionExpired", "signed request has expired")
	ErrFeeTooHigh               = newError("FeeTooHigh", "fee too high")
	ErrDailyTxLimitExceeded     = newError("DailyTxLimitExceeded", "daily transaction limit exceeded")
	ErrTxAmountLimitExceeded    = newError("TxAmountLimitExceeded", "transaction amount limit exceeded")
	ErrDailyAmountLimitExceeded = newError("DailyAmountLimitExceeded", "daily amount limit exceeded")
	ErrFunctionNotAllowed       = newError("FunctionNotAllowed", "function not allowed")
	ErrDuplicateMapping         = newError("DuplicateMapping", "key mapping already exists")
)

// All lists every condition in the set.
var All = []*Error{
	ErrUnauthorized,
	ErrAlreadyRevoked,
	ErrInvalidKeySigner,
	ErrRevokedKey,
	ErrExpiredKey,
	ErrSessionExpired,
	ErrFeeTooHigh,
	ErrDailyTxLimitExceeded,
	ErrTxAmountLimitExceeded,
	ErrDailyAmountLimitExceeded,
	ErrFunctionNotAllowed,
	ErrDuplicateMapping,
}

// CodeOf returns the code of the relay error wrapped in err, or "" if there is none.
func CodeOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
