package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrMemberNotFound means the member ID has no roster entry.
	ErrMemberNotFound = errors.New("member not found")
	// ErrLockTimeout means the member lock was not acquired in time.
	ErrLockTimeout = errors.New("member lock timeout")
)

// StorageError wraps a transaction, lock or connectivity failure. Callers
// decide whether to retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorage reports whether err carries a *StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
