// ABOUTME: Tagged error kinds shared by the authentication core and its transports
// ABOUTME: Every failure carries a Kind so callers can map it without string matching

package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	// KindTransient is the zero value: anything unclassified is assumed to be
	// an infrastructure failure that is safe to retry.
	KindTransient Kind = iota
	KindInvalidInput
	KindKeyPolicyViolation
	KindNotFound
	KindConflict
	KindUnauthorized
	KindUnauthenticated
	KindRateLimited
	KindChallengeExpired
	KindIncorrectCode
	KindTooManyAttempts
)

var kindNames = map[Kind]string{
	KindTransient:          "transient",
	KindInvalidInput:       "invalid_input",
	KindKeyPolicyViolation: "key_policy_violation",
	KindNotFound:           "not_found",
	KindConflict:           "conflict",
	KindUnauthorized:       "unauthorized",
	KindUnauthenticated:    "unauthenticated",
	KindRateLimited:        "rate_limited",
	KindChallengeExpired:   "challenge_expired",
	KindIncorrectCode:      "incorrect_code",
	KindTooManyAttempts:    "too_many_attempts",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a classified failure. Sentinels are declared with New and compared
// with errors.Is; the message is safe to show to clients.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New returns a sentinel error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps a store or network failure. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindTransient, Msg: "temporarily unavailable", Err: err}
}

// KindOf reports the kind of err. Unclassified errors, including context
// deadlines, are transient.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransient
}

// Message returns the client-facing message of err. Unclassified errors get a
// generic message so internal details never leak.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Msg
	}
	return "temporarily unavailable"
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
