package service

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindUpstreamVerification
	KindStagingMissing
	KindDownstreamCreation
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindUpstreamVerification:
		return "upstream_verification"
	case KindStagingMissing:
		return "staging_missing"
	case KindDownstreamCreation:
		return "downstream_creation"
	default:
		return "internal"
	}
}

var (
	ErrUnsupportedRail    = errors.New("unsupported payment rail")
	ErrPaymentNotCaptured = errors.New("payment not captured")
	ErrPaymentFailed      = errors.New("payment failed")
	ErrAmountMismatch     = errors.New("captured amount does not match staged order")
	ErrStagingMismatch    = errors.New("payment belongs to a different staged order")
	ErrOrderMismatch      = errors.New("payment belongs to a different order")
	ErrPointsRequireLogin = errors.New("points redemption requires a signed-in customer")
	ErrNoDraftLinked      = errors.New("no staged order linked to payment")
	ErrCheckoutClosed     = errors.New("checkout was abandoned or expired")
)

// Error carries the failure class used by handlers to choose a response.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// Code is a stable client-facing code, when one exists.
	Code string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
