package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoValidIdentity means ValidateAll found no identity that can write
	// to the destination. Startup must fail.
	ErrNoValidIdentity = errors.New("no delivery identity can access the destination")
	// ErrNoneAvailable means every identity is invalid or parked right now.
	ErrNoneAvailable = errors.New("no delivery identity available")
)

// Kind is the part of a delivery error the dispatcher acts on.
type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindAccessDenied
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAccessDenied:
		return "access_denied"
	default:
		return "other"
	}
}

// RateLimited marks err as an identity-specific cooldown of wait.
func RateLimited(err error, wait time.Duration) error {
	if err == nil {
		return nil
	}
	if wait < 0 {
		wait = 0
	}
	return rateLimitedError{err: err, wait: wait}
}

// AccessDenied marks err as a permanent lack of access to the destination.
func AccessDenied(err error) error {
	if err == nil {
		return nil
	}
	return accessDeniedError{err: err}
}

// RetryAfterError is implemented by errors that carry an explicit wait.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type rateLimitedError struct {
	err  error
	wait time.Duration
}

func (e rateLimitedError) Error() string             { return fmt.Sprintf("rate limited (%s): %v", e.wait, e.err) }
func (e rateLimitedError) Unwrap() error             { return e.err }
func (e rateLimitedError) RetryAfter() time.Duration { return e.wait }

type accessDeniedError struct{ err error }

func (e accessDeniedError) Error() string { return fmt.Sprintf("access denied: %v", e.err) }
func (e accessDeniedError) Unwrap() error { return e.err }

// Classify returns the kind of err and, for rate limits, the wait.
func Classify(err error) (Kind, time.Duration) {
	if err == nil {
		return KindOther, 0
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return KindRateLimited, ra.RetryAfter()
	}
	var ad accessDeniedError
	if errors.As(err, &ad) {
		return KindAccessDenied, 0
	}
	return KindOther, 0
}
