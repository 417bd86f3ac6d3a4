package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrVersionConflict     = errors.New("version conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrSharingDisabled     = errors.New("position sharing disabled")
	ErrCircuitOpen         = errors.New("circuit breaker open")
	ErrNoProxyAvailable    = errors.New("no proxy available")
	ErrLockHeld            = errors.New("lock already held")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRetryExhausted      = errors.New("retry budget exhausted")
	ErrQueueEmpty          = errors.New("queue empty")
	ErrInvalidInput        = errors.New("invalid input")
	ErrTerminalState       = errors.New("entity in terminal state")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrContextDone         = errors.New("context cancelled")
)

// ExchangeError is a normalized failure returned by an exchange adapter.
// Code carries the exchange-native error code when one was supplied.
// Retryable marks transient conditions (timeouts, 5xx) that the executor
// may retry inside a single execution attempt.
type ExchangeError struct {
	Exchange  Exchange
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: [%s] %s", e.Exchange, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Exchange, e.Message)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err unwraps to ErrNotFound, from a store
// or from an exchange adapter mapping a venue-side miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidInput reports whether err unwraps to ErrInvalidInput. The
// HTTP layer maps it to a 400 response.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsRetryable reports whether err is a transient exchange failure or a
// rate limit, either of which may be retried under backoff.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var xerr *ExchangeError
	if errors.As(err, &xerr) {
		return xerr.Retryable
	}
	return false
}
