package idset

import (
	"io/fs"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by every operation on a closed set.
	ErrClosed = errors.New("id set is closed")

	// ErrBroken is returned by mutations once the tree operator has hit a
	// structural inconsistency, or the journal holds frames of a failed
	// append that cannot be removed. Reads keep serving the last good
	// snapshot.
	ErrBroken = errors.New("id set is broken")
)

// brokenError matches both ErrBroken and the failure that caused it.
type brokenError struct {
	cause error
}

func (e *brokenError) Error() string {
	return ErrBroken.Error() + ": " + e.cause.Error()
}

func (e *brokenError) Is(target error) bool {
	return target == ErrBroken
}

func (e *brokenError) Unwrap() error {
	return e.cause
}

// IsIOError reports whether err came from the file system rather than from
// the contents of the files.
func IsIOError(err error) bool {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno)
}
