package chat

import (
	"errors"
	"fmt"
)

var ErrStorage = errors.New("storage failure")

// StorageError reports a failed persistence write. The in-memory history has
// already been updated when it is returned.
type StorageError struct {
	Op          string
	Consecutive int
	Err         error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: persist %s (failure %d in a row): %v", ErrStorage, e.Op, e.Consecutive, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }
