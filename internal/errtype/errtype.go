// Package errtype implements the error taxonomy consumed by the
// propagation policy: every boundary-crossing error is wrapped with a
// Kind so dispatch, reconciliation, and outcome handling can classify it
// without re-parsing error strings.
package errtype

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one entry in the error taxonomy.
type Kind string

const (
	Configuration     Kind = "configuration"
	LockContention    Kind = "lock_contention"
	PlatformAPI       Kind = "platform_api"
	RateLimited       Kind = "rate_limited"
	Quota             Kind = "quota"
	CapacityExhausted Kind = "capacity_exhausted"
	Auth              Kind = "auth"
	Network           Kind = "network"
	SubprocessSpawn   Kind = "subprocess_spawn"
	SubprocessTimeout Kind = "subprocess_timeout"
	SubprocessCrash   Kind = "subprocess_crash"
	ExecutionError    Kind = "execution_error"
	NeedsUserReply    Kind = "needs_user_reply"
	StateCorruption   Kind = "state_corruption"
	WebhookSignature  Kind = "webhook_signature"
	WebhookPayload    Kind = "webhook_payload"
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.cause.Error())
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap attaches kind to err, preserving the stack trace of the original
// cause. Returns nil if err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrap(err, msg)
	return &Error{Kind: kind, cause: wrapped}
}

// New creates a Kind-tagged error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

// KindOf extracts the Kind from err, if any, and whether one was found.
func KindOf(err error) (Kind, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
