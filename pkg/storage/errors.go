package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Common storage errors.
var (
	ErrStorageClosed = errors.New("storage: engine closed")
	ErrTxnClosed     = errors.New("storage: transaction closed")
	ErrReadOnly      = errors.New("storage: transaction is read-only")
	ErrNotFound      = errors.New("storage: key not found")
	ErrConflict      = errors.New("storage: transaction conflict")
	ErrInvalidKey    = errors.New("storage: invalid key")
)

// BackendError wraps a failure reported by the underlying key-value store.
// Temporary errors may succeed if the read is retried in a new transaction.
type BackendError struct {
	Op        string
	Err       error
	Temporary bool
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a temporary backend failure.
func IsRetryable(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Temporary
}

// translate maps badger errors onto the package's sentinel and typed errors.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, badger.ErrConflict):
		return ErrConflict
	case errors.Is(err, badger.ErrDBClosed):
		return ErrStorageClosed
	case errors.Is(err, badger.ErrDiscardedTxn):
		return ErrTxnClosed
	case errors.Is(err, badger.ErrBlockedWrites), errors.Is(err, badger.ErrNoRewrite):
		return &BackendError{Op: op, Err: err, Temporary: true}
	default:
		return &BackendError{Op: op, Err: err}
	}
}
