package btree

import (
	"encoding/binary"
	"os"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// The shadow file holds a full copy of the pages a checkpoint is about to
// overwrite:
//
//	entry:   offset u32 | page[PageSize]
//	trailer: magic u64 | count u32 | xxhash64 of everything before it
//
// A shadow without a valid trailer was cut short before any page was
// overwritten in place and is ignored.
const (
	shadowMagic      uint64 = 0x5744414853534449 // "IDSSHADW"
	shadowEntryLen          = offsetLen + PageSize
	shadowTrailerLen        = 8 + 4 + 8
)

func (pf *PageFile) shadowPath() string {
	return pf.path + ".shadow"
}

// WritePages durably writes the dirty pages of r. The images go to the
// shadow file first, so a crash halfway through the in-place writes is
// repaired by RecoverShadow on the next open.
func (pf *PageFile) WritePages(r Reader, dirty []PageOffset) error {
	if len(dirty) == 0 {
		return nil
	}
	data, err := buildShadow(r, dirty)
	if err != nil {
		return err
	}
	if err := writeSynced(pf.shadowPath(), data); err != nil {
		return err
	}
	if err := pf.applyShadow(data, len(dirty)); err != nil {
		return err
	}
	return pf.clearShadow()
}

func buildShadow(r Reader, dirty []PageOffset) ([]byte, error) {
	dirty = slices.Clone(dirty)
	slices.Sort(dirty)

	data := make([]byte, len(dirty)*shadowEntryLen+shadowTrailerLen)
	for i, off := range dirty {
		entry := data[i*shadowEntryLen:]
		page := r.Get(off)
		if page == nil {
			return nil, errors.Errorf("dirty page %d is missing", off)
		}
		binary.LittleEndian.PutUint32(entry, uint32(off))
		if err := EncodeInto(entry[offsetLen:shadowEntryLen], page); err != nil {
			return nil, errors.Wrapf(err, "failed to encode page %d", off)
		}
	}
	trailer := data[len(dirty)*shadowEntryLen:]
	binary.LittleEndian.PutUint64(trailer[0:8], shadowMagic)
	binary.LittleEndian.PutUint32(trailer[8:12], uint32(len(dirty)))
	binary.LittleEndian.PutUint64(trailer[12:20], xxhash.Sum64(data[:len(data)-8]))
	return data, nil
}

// RecoverShadow finishes a checkpoint interrupted by a crash. It returns the
// number of pages it rewrote; zero means there was nothing complete to apply.
func (pf *PageFile) RecoverShadow() (int, error) {
	data, err := os.ReadFile(pf.shadowPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read shadow file")
	}

	count, ok := parseShadow(data)
	if !ok {
		return 0, pf.clearShadow()
	}
	if err := pf.applyShadow(data, count); err != nil {
		return 0, err
	}
	return count, pf.clearShadow()
}

func parseShadow(data []byte) (int, bool) {
	if len(data) < shadowTrailerLen {
		return 0, false
	}
	trailer := data[len(data)-shadowTrailerLen:]
	if binary.LittleEndian.Uint64(trailer[0:8]) != shadowMagic {
		return 0, false
	}
	count := int(binary.LittleEndian.Uint32(trailer[8:12]))
	if len(data) != count*shadowEntryLen+shadowTrailerLen {
		return 0, false
	}
	if xxhash.Sum64(data[:len(data)-8]) != binary.LittleEndian.Uint64(trailer[12:20]) {
		return 0, false
	}
	return count, true
}

func (pf *PageFile) applyShadow(data []byte, count int) error {
	for i := 0; i < count; i++ {
		entry := data[i*shadowEntryLen : (i+1)*shadowEntryLen]
		off := PageOffset(binary.LittleEndian.Uint32(entry))
		if err := pf.writeRaw(off, entry[offsetLen:]); err != nil {
			return err
		}
	}
	return pf.Sync()
}

func (pf *PageFile) clearShadow() error {
	err := os.Truncate(pf.shadowPath(), 0)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to clear shadow file")
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to open shadow file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write shadow file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to sync shadow file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to close shadow file")
	}
	return nil
}
