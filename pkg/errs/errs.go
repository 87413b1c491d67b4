// Package errs defines the error taxonomy shared by every trustplane
// component. Errors carry a Kind discriminant so callers can branch on the
// failure category without depending on concrete types, plus an optional
// nested cause preserved for errors.Is/As chains.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the trustplane failure taxonomy.
type Kind int

const (
	KindUnknown Kind = iota

	// KindIdentity covers malformed DID, identity, or credential input.
	KindIdentity

	// KindTrust covers score or verification failures. TrustVerification
	// and TrustViolation are its sub-kinds.
	KindTrust
	KindTrustVerification
	KindTrustViolation

	// KindHandshake covers trust-handshake protocol failures.
	// HandshakeTimeout is its sub-kind and is retryable.
	KindHandshake
	KindHandshakeTimeout

	// KindDelegation covers attenuation violations and invalid chains.
	KindDelegation

	// KindGovernance covers policy engine failures.
	KindGovernance

	// KindStorage covers persistence failures.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindTrust:
		return "trust"
	case KindTrustVerification:
		return "trust_verification"
	case KindTrustViolation:
		return "trust_violation"
	case KindHandshake:
		return "handshake"
	case KindHandshakeTimeout:
		return "handshake_timeout"
	case KindDelegation:
		return "delegation"
	case KindGovernance:
		return "governance"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// parent returns the enclosing kind for sub-kinds, or KindUnknown for roots.
func (k Kind) parent() Kind {
	switch k {
	case KindTrustVerification, KindTrustViolation:
		return KindTrust
	case KindHandshakeTimeout:
		return KindHandshake
	default:
		return KindUnknown
	}
}

// Matches reports whether k is target or a sub-kind of target.
func (k Kind) Matches(target Kind) bool {
	for cur := k; cur != KindUnknown; cur = cur.parent() {
		if cur == target {
			return true
		}
	}
	return false
}

// Error is a taxonomy-tagged error.
type Error struct {
	Kind Kind
	Op   string // originating operation, e.g. "identity.Validate"
	Msg  string
	Err  error // nested cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": " + e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two taxonomy errors by kind, honoring sub-kinds:
// a handshake_timeout error matches a target of kind handshake.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind.Matches(t.Kind)
}

// E builds a new taxonomy error.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Ef builds a new taxonomy error with a formatted message.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy kind to an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf attaches a taxonomy kind, a formatted message, and a cause.
func Wrapf(kind Kind, op, format string, err error, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the kind of the first taxonomy error in err's chain,
// or KindUnknown when none is present.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err (or any error in its chain) carries kind k,
// either exactly or as a sub-kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Matches(k)
	}
	return false
}
