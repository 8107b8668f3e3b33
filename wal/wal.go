// Package wal is the write-ahead log of an id set: an append-only file of
// checksummed records that is replayed on open and reset after every
// checkpoint.
package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options tune a Log.
type Options struct {
	// NoSync skips fsync after appends. Only for tests and bulk loads that
	// can afford to lose the tail.
	NoSync bool
	Logger *zap.Logger
}

// Log is the write-ahead log. It is used by a single writer.
type Log struct {
	path   string
	file   *os.File
	size   int64
	noSync bool
	logger *zap.Logger
	buf    []byte
	// failed is set once a failed append could not be cut back off the
	// file. Appending after that could leave stale frames behind a shorter
	// batch.
	failed error
}

// ErrUnusable is returned by Append once a failed append could not be rolled
// back. Only Reset clears it.
var ErrUnusable = errors.New("wal holds frames of a failed append")

// ReplayResult summarizes a replay.
type ReplayResult struct {
	// Applied counts records handed to the callback.
	Applied int
	// Skipped counts records already covered by a checkpoint.
	Skipped int
	// LastLSN is the highest sequence number found in the log.
	LastLSN uint64
	// Truncated is set when a torn or corrupt tail was cut off at
	// TruncatedAt, discarding DiscardedBytes.
	Truncated      bool
	TruncatedAt    int64
	DiscardedBytes int64
}

// Open opens or creates the log at path.
func Open(path string, opts Options) (*Log, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open wal")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "failed to stat wal")
	}
	return &Log{
		path:   path,
		file:   file,
		size:   info.Size(),
		noSync: opts.NoSync,
		logger: logger.With(zap.String("wal", path)),
	}, nil
}

// Append writes records as one batch with a single fsync. If the write or
// the sync fails, the log is cut back to its previous length and none of the
// records count as journaled.
func (l *Log) Append(records ...Record) error {
	if l.failed != nil {
		return l.failed
	}
	if len(records) == 0 {
		return nil
	}
	l.buf = l.buf[:0]
	for _, r := range records {
		l.buf = appendFrame(l.buf, r)
	}

	if _, err := l.file.WriteAt(l.buf, l.size); err != nil {
		l.rollback()
		return errors.Wrap(err, "failed to append to wal")
	}
	if !l.noSync {
		if err := l.file.Sync(); err != nil {
			l.rollback()
			return errors.Wrap(err, "failed to sync wal")
		}
	}
	l.size += int64(len(l.buf))
	return nil
}

func (l *Log) rollback() {
	if err := l.file.Truncate(l.size); err != nil {
		l.logger.Error("failed to roll back partial wal append",
			zap.Int64("bytes", l.size), zap.Error(err))
		l.failed = errors.Wrapf(ErrUnusable, "truncate to %d bytes: %v", l.size, err)
	}
}

// Replay feeds every record with an LSN above after to fn, in log order.
// It stops at the first torn or corrupt frame and truncates the log there so
// later appends follow the last good record. An error from fn aborts the
// replay and is returned as is.
func (l *Log) Replay(after uint64, fn func(Record) error) (ReplayResult, error) {
	var res ReplayResult
	r := bufio.NewReaderSize(io.NewSectionReader(l.file, 0, l.size), 64*1024)

	var offset int64
	header := make([]byte, frameHeaderLen)
	body := make([]byte, bodyLen)
	for offset < l.size {
		if _, err := io.ReadFull(r, header); err != nil {
			break
		}
		if binary.LittleEndian.Uint32(header[8:12]) != bodyLen {
			break
		}
		if _, err := io.ReadFull(r, body); err != nil {
			break
		}
		rec, ok := decodeFrame(header, body)
		if !ok {
			break
		}
		offset += frameLen

		if rec.LSN > res.LastLSN {
			res.LastLSN = rec.LSN
		}
		if rec.LSN <= after {
			res.Skipped++
			continue
		}
		if err := fn(rec); err != nil {
			return res, err
		}
		res.Applied++
	}

	if offset < l.size {
		res.Truncated = true
		res.TruncatedAt = offset
		res.DiscardedBytes = l.size - offset
		l.logger.Warn("wal replay truncated",
			zap.Int64("offset", offset),
			zap.Int64("bytes", res.DiscardedBytes),
			zap.Int("records", res.Applied+res.Skipped))
		if err := l.file.Truncate(offset); err != nil {
			return res, errors.Wrap(err, "failed to truncate wal tail")
		}
		if err := l.file.Sync(); err != nil {
			return res, errors.Wrap(err, "failed to sync wal")
		}
		l.size = offset
	}
	return res, nil
}

// Reset empties the log once its records are in a checkpoint.
func (l *Log) Reset() error {
	if err := l.file.Truncate(0); err != nil {
		return errors.Wrap(err, "failed to reset wal")
	}
	if err := l.file.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync wal")
	}
	l.size = 0
	l.failed = nil
	return nil
}

// Size returns the current length of the log in bytes.
func (l *Log) Size() int64 {
	return l.size
}

// Path returns the location of the log file.
func (l *Log) Path() string {
	return l.path
}

func (l *Log) Close() error {
	if err := l.file.Close(); err != nil {
		return errors.Wrap(err, "failed to close wal")
	}
	return nil
}
