package exchange

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every failure a marketplace operation can return.
// Callers branch on the code, not on message text.
type ErrorCode string

const (
	ErrInvalidAddress        ErrorCode = "invalid_address"
	ErrIdentifierTooLong     ErrorCode = "identifier_too_long"
	ErrSelfTradeRejected     ErrorCode = "self_trade_rejected"
	ErrHoldingAccountMissing ErrorCode = "holding_account_missing"
	ErrInsufficientBalance   ErrorCode = "insufficient_balance"
	ErrListingNotActive      ErrorCode = "listing_not_active"
	ErrAlreadyExists         ErrorCode = "already_exists"
	ErrAlreadyTerminal       ErrorCode = "already_terminal"
	ErrSimulationRejected    ErrorCode = "simulation_rejected"
	ErrLedgerExecution       ErrorCode = "ledger_execution_error"
	ErrConfirmationTimedOut  ErrorCode = "confirmation_timed_out"
	ErrSignerUnavailable     ErrorCode = "signer_unavailable"
	ErrSigningRejected       ErrorCode = "signing_rejected"
	ErrInterfaceIncomplete   ErrorCode = "interface_incomplete"
	ErrEncodingFailed        ErrorCode = "encoding_failed"
	ErrConnectionFailed      ErrorCode = "connection_failed"
)

// Party distinguishes which side of a trade an error refers to, so a missing
// buyer holding account and a missing seller holding account stay separate
// conditions for the caller.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// Error is the classified failure returned by every public entry point of
// this package. ProgramCode carries the remote program's numeric error for
// ErrLedgerExecution and ErrAlreadyTerminal.
type Error struct {
	Code        ErrorCode
	Party       Party
	ProgramCode uint32
	msg         string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...), cause: cause}
}

func partyError(code ErrorCode, party Party, format string, args ...any) *Error {
	return &Error{Code: code, Party: party, msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the classification of err, or "" when err is not an
// exchange error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// asError guarantees the facade never leaks an unclassified error: anything
// that is not already an *Error becomes a connection failure.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return wrapError(ErrConnectionFailed, err, "ledger request failed")
}
