//go:build unix

package btree

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func lockExclusive(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return errors.Wrap(ErrLocked, f.Name())
	}
	if err != nil {
		return errors.Wrapf(err, "failed to lock %s", f.Name())
	}
	return nil
}

func unlock(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
