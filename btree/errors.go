package btree

import "github.com/pkg/errors"

var (
	// ErrCorruptPage means a page's bytes do not decode to a known page, or a
	// reachable offset does not hold the kind of page the tree expects.
	ErrCorruptPage = errors.New("corrupt page")

	// ErrLocked means another handle already owns the backing file.
	ErrLocked = errors.New("page file is locked by another owner")

	// ErrPagesExhausted means the 32-bit page offset space is used up.
	ErrPagesExhausted = errors.New("page offset space exhausted")
)

// IsCorrupt reports whether err was caused by a corrupt page.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptPage)
}

func corruptf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruptPage, format, args...)
}
