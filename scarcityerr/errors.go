// Package scarcityerr classifies the error taxonomy of the core so that
// callers across package boundaries can branch on what went wrong without
// string-matching. Each package still constructs its actual errors with
// go-errors/errors so a trace is attached; Kind wraps one of those for
// classification the way channeldb's sentinel Err* values let callers
// distinguish "not found" from "already exists" without inspecting text.
package scarcityerr

import (
	goerrors "github.com/go-errors/errors"
)

// Kind enumerates the error taxonomy from the design's error-handling
// section. It is deliberately a closed set: adding a spend-failure reason
// the validator or engine can't already express is a design bug, not a
// Kind to add casually.
type Kind int

const (
	// KindUnknown is the zero value; never returned deliberately.
	KindUnknown Kind = iota

	// KindDoubleSpend: the nullifier was already observed, by gossip
	// convergence or by the federation.
	KindDoubleSpend

	// KindExpired: the attestation is older than the validator's
	// max token age ("lazy demurrage" cliff).
	KindExpired

	// KindInvalidAttestation: Witness verification (gateway, local BLS,
	// or structural fallback) returned false.
	KindInvalidAttestation

	// KindInvalidDLEQ: a Freebird issuer's response failed its DLEQ
	// proof check.
	KindInvalidDLEQ

	// KindInsufficientConfidence: every tier passed but the confidence
	// score fell short of the validator's threshold.
	KindInsufficientConfidence

	// KindNetworkUnavailable: an adapter degraded to a fallback path.
	KindNetworkUnavailable

	// KindTimeout: a connect or request ceiling was exceeded.
	KindTimeout

	// KindMalformed: wire decoding failed.
	KindMalformed

	// KindRateLimited: a peer's bucket was empty; message dropped.
	KindRateLimited

	// KindAlreadySpent: a local spend was attempted on a Token instance
	// whose spent flag is already set.
	KindAlreadySpent
)

func (k Kind) String() string {
	switch k {
	case KindDoubleSpend:
		return "double-spend"
	case KindExpired:
		return "expired"
	case KindInvalidAttestation:
		return "invalid-attestation"
	case KindInvalidDLEQ:
		return "invalid-dleq"
	case KindInsufficientConfidence:
		return "insufficient-confidence"
	case KindNetworkUnavailable:
		return "network-unavailable"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	case KindRateLimited:
		return "rate-limited"
	case KindAlreadySpent:
		return "already-spent"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with the traced error that produced it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a stack trace attached via
// go-errors/errors, the same construction peer.go and
// discovery/validation.go use for every returned error in the teacher.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: goerrors.New(msg)}
}

// Errorf is the formatted counterpart of New.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: goerrors.Errorf(format, args...)}
}

// Wrap classifies an existing error without discarding its trace.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: goerrors.Wrap(err, 1)}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	se, ok := err.(*Error)
	return ok && se.Kind == kind
}
