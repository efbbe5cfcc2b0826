// Package apperror defines the stable error kinds returned by the voting
// service. Every failure that leaves the service carries a Kind and a
// human-readable message; the wrapped cause is kept for logs only.
package apperror

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation             Kind = "ValidationError"
	KindUnauthorized           Kind = "Unauthorized"
	KindAlreadyVoted           Kind = "AlreadyVoted"
	KindVotingNotActive        Kind = "VotingNotActive"
	KindVotingNotInSetupPhase  Kind = "VotingNotInSetupPhase"
	KindCandidateNotFound      Kind = "CandidateNotFound"
	KindCandidateAlreadyExists Kind = "CandidateAlreadyExists"
	KindContractRevert         Kind = "ContractRevert"
	KindLedgerUnavailable      Kind = "LedgerUnavailable"
	KindEncoding               Kind = "EncodingError"
	KindInconsistentReset      Kind = "InconsistentReset"
	KindInternal               Kind = "Internal"
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrValidation             = &Error{Kind: KindValidation}
	ErrUnauthorized           = &Error{Kind: KindUnauthorized}
	ErrAlreadyVoted           = &Error{Kind: KindAlreadyVoted}
	ErrVotingNotActive        = &Error{Kind: KindVotingNotActive}
	ErrVotingNotInSetupPhase  = &Error{Kind: KindVotingNotInSetupPhase}
	ErrCandidateNotFound      = &Error{Kind: KindCandidateNotFound}
	ErrCandidateAlreadyExists = &Error{Kind: KindCandidateAlreadyExists}
	ErrContractRevert         = &Error{Kind: KindContractRevert}
	ErrLedgerUnavailable      = &Error{Kind: KindLedgerUnavailable}
	ErrEncoding               = &Error{Kind: KindEncoding}
	ErrInconsistentReset      = &Error{Kind: KindInconsistentReset}
	ErrInternal               = &Error{Kind: KindInternal}
)

type Error struct {
	Kind   Kind
	Detail string
	// Reason is the revert reason reported by the contract, if any.
	Reason string
	// TxID is set when a transaction was signed but its outcome is unknown,
	// or when a later local step failed after the ledger accepted it.
	TxID string
	Err  error
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// Revert builds a ContractRevert error that preserves the contract's reason.
func Revert(reason string, err error) *Error {
	return &Error{Kind: KindContractRevert, Detail: "transaction reverted by contract", Reason: reason, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message()
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Message is the text safe to show to a caller. It never includes the
// wrapped cause.
func (e *Error) Message() string {
	msg := e.Detail
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As is a shorthand for errors.As with *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
