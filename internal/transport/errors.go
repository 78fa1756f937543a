package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransient and ErrPermanent classify transport failures. Transient errors
// are retried by backoff; permanent ones (invalid address, unsubscribed
// recipient) fail the channel without consuming retry budget.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// WrapTransient annotates err as transient.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates err as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// IsPermanent reports whether err was classified permanent. Unclassified
// errors, timeouts and cancellations count as transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrPermanent)
}
