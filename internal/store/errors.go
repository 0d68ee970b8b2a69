package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEmptyUpdate is returned by UpdateFields when no field is set.
	ErrEmptyUpdate = errors.New("update sets no fields")
)

// StorageError reports a failed store operation. The write that caused it
// has been rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err (or any error in its chain) is a
// StorageError.
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
