package btree

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// loadBatch is how many pages LoadPages reads per system call.
const loadBatch = 256

// PageFile is the on-disk home of the pages: a flat file of PageSize blocks
// indexed by PageOffset. It is owned by one handle at a time.
type PageFile struct {
	path     string
	file     *os.File
	lockFile *os.File
}

// OpenPageFile opens the page file at path, creating an empty tree if it
// does not exist yet. It fails with ErrLocked if another handle owns it.
func OpenPageFile(path string) (*PageFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create page file directory")
	}

	lockFile, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open lock file")
	}
	if err := lockExclusive(lockFile); err != nil {
		lockFile.Close()
		return nil, err
	}

	pf, err := openLocked(path)
	if err != nil {
		unlock(lockFile)
		lockFile.Close()
		return nil, err
	}
	pf.lockFile = lockFile
	return pf, nil
}

func openLocked(path string) (*PageFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := initFile(path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to stat page file")
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open page file")
	}
	return &PageFile{path: path, file: file}, nil
}

// initFile writes an empty tree to a temporary file and renames it into
// place, so a crash never leaves a half-written page file behind.
func initFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to create page file")
	}

	pages := NewTree()
	buf := make([]byte, PageSize)
	var werr error
	pages.Range(func(off PageOffset, page Page) bool {
		if werr = EncodeInto(buf, page); werr != nil {
			return false
		}
		_, werr = f.WriteAt(buf, off.FileOffset())
		return werr == nil
	})
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp)
		return errors.Wrap(werr, "failed to write initial pages")
	}

	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "failed to install page file")
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "failed to open directory")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync directory")
	}
	return nil
}

// Path returns the location of the page file.
func (pf *PageFile) Path() string {
	return pf.path
}

// ReadPage reads and decodes the page at off. Offsets past the end of the
// file read as unused pages.
func (pf *PageFile) ReadPage(off PageOffset) (Page, error) {
	buf := make([]byte, PageSize)
	n, err := pf.file.ReadAt(buf, off.FileOffset())
	if err == io.EOF && n == 0 {
		return nil, nil
	}
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "failed to read page %d", off)
	}
	if n < PageSize {
		return nil, errors.Wrapf(ErrCorruptPage, "page %d is truncated to %d bytes", off, n)
	}
	page, err := Decode(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "page %d", off)
	}
	return page, nil
}

// WritePage encodes page and writes it at off. It does not sync.
func (pf *PageFile) WritePage(off PageOffset, page Page) error {
	buf, err := Encode(page)
	if err != nil {
		return err
	}
	return pf.writeRaw(off, buf)
}

func (pf *PageFile) writeRaw(off PageOffset, buf []byte) error {
	if _, err := pf.file.WriteAt(buf, off.FileOffset()); err != nil {
		return errors.Wrapf(err, "failed to write page %d", off)
	}
	return nil
}

// Sync flushes written pages to stable storage.
func (pf *PageFile) Sync() error {
	if err := pf.file.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync page file")
	}
	return nil
}

// LoadPages reads every allocated page into a fresh page table.
func (pf *PageFile) LoadPages() (*Pages, error) {
	page, err := pf.ReadPage(HeaderOffset)
	if err != nil {
		return nil, err
	}
	header, err := asHeader(page)
	if err != nil {
		return nil, err
	}

	pages := NewPages()
	pages.set(HeaderOffset, header)

	buf := make([]byte, loadBatch*PageSize)
	for base := PageOffset(1); base < header.NextOffset; base += loadBatch {
		n, err := pf.file.ReadAt(buf, base.FileOffset())
		if err != nil && err != io.EOF {
			return nil, errors.Wrapf(err, "failed to read pages from %d", base)
		}
		for i := 0; (i+1)*PageSize <= n; i++ {
			off := base + PageOffset(i)
			if off >= header.NextOffset {
				break
			}
			page, err := Decode(buf[i*PageSize : (i+1)*PageSize])
			if err != nil {
				return nil, errors.Wrapf(err, "page %d", off)
			}
			if page != nil {
				pages.set(off, page)
			}
		}
		if n < len(buf) {
			break
		}
	}
	return pages, nil
}

// Close releases the file and the ownership lock.
func (pf *PageFile) Close() error {
	err := pf.file.Close()
	if pf.lockFile != nil {
		unlock(pf.lockFile)
		if cerr := pf.lockFile.Close(); err == nil {
			err = cerr
		}
		pf.lockFile = nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to close page file")
	}
	return nil
}
