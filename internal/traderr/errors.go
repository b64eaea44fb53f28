// Package traderr defines the error taxonomy shared across the trading core.
//
// Six kinds cover every failure path: ConfigError (fatal at startup),
// TransientIOError (retried with backoff), ValidationError (discards the
// decision cycle), BusinessRejection (logged, never raised), FatalExchangeError
// (explicit exchange rejection, no retry) and FeedbackError (swallowed).
package traderr

import (
	"errors"
	"fmt"
)

// ConfigError marks missing or invalid configuration discovered at startup.
// The process refuses to start when one is returned from config loading.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Key, e.Reason)
}

// TransientIOError wraps an exchange, cache, LLM or DB network failure that
// is safe to retry with backoff.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient io error during %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// ValidationError marks malformed LLM output or out-of-range decision values.
// The whole decision cycle is discarded; nothing executes partially.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// BusinessRejection carries the human-readable reason a structurally valid
// decision could not execute (no price, insufficient cash, unmapped symbol).
type BusinessRejection struct {
	Symbol string
	Reason string
}

func (e *BusinessRejection) Error() string {
	return fmt.Sprintf("rejected %s: %s", e.Symbol, e.Reason)
}

// FatalExchangeError marks an explicit exchange-side rejection
// (order state canceled/rejected/error). Not retried.
type FatalExchangeError struct {
	OrderID string
	State   string
}

func (e *FatalExchangeError) Error() string {
	return fmt.Sprintf("exchange rejected order %s (state=%s)", e.OrderID, e.State)
}

// FeedbackError wraps an LLM or repository failure inside the feedback loop.
// Always logged and swallowed; no rule is generated.
type FeedbackError struct {
	Stage string
	Err   error
}

func (e *FeedbackError) Error() string {
	return fmt.Sprintf("feedback error at %s: %v", e.Stage, e.Err)
}

func (e *FeedbackError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientIOError.
func IsTransient(err error) bool {
	var t *TransientIOError
	return errors.As(err, &t)
}

// IsRejection reports whether err is (or wraps) a BusinessRejection.
func IsRejection(err error) bool {
	var r *BusinessRejection
	return errors.As(err, &r)
}
