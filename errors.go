package querycache

import (
	"errors"
	"fmt"
)

var (
	// ErrQueryObserved is returned by QueryCache.Remove for a query that still
	// has observers attached.
	ErrQueryObserved = errors.New("querycache: query still has observers")
	// ErrNilClient is returned by constructors that require a client.
	ErrNilClient = errors.New("querycache: nil client")
	// ErrMissingQueryFn is matched by errors.Is on a ConfigurationError raised
	// for a query without a query function.
	ErrMissingQueryFn = errors.New("querycache: missing query function")
)

// ConfigurationError reports a query that can never succeed as configured.
// It is surfaced as the terminal error and never retried.
type ConfigurationError struct {
	Hash string
	Msg  string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid query %q: %v", e.Hash, e.Err)
	}
	return fmt.Sprintf("invalid query %q", e.Hash)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func missingQueryFn(hash string) error {
	return &ConfigurationError{
		Hash: hash,
		Msg:  fmt.Sprintf("Missing queryFn: '%s'", hash),
		Err:  ErrMissingQueryFn,
	}
}

// CancelledError marks a fetch that was deliberately aborted.
//
// Revert asks the query to restore the state it had before the fetch started.
// Silent additionally asks for the cancellation not to be surfaced as an error
// when there is prior data to restore. Without it the query still ends in
// the error state.
type CancelledError struct {
	Revert bool
	Silent bool
}

func (e *CancelledError) Error() string { return "CancelledError" }

// IsCancelledError reports whether err is (or wraps) a CancelledError.
func IsCancelledError(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

func isConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// panicError wraps a value recovered from a panicking query function.
type panicError struct{ v any }

func (e panicError) Error() string { return fmt.Sprintf("query function panicked: %v", e.v) }
