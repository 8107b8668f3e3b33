package idset

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"idset/btree"
	"idset/cache"
	"idset/wal"
)

type opKind uint8

const (
	opInsert opKind = iota
	opDelete
	opCheckpoint
)

type request struct {
	op    opKind
	id    Id
	reply chan result
}

type result struct {
	changed bool
	err     error
}

// journal is the part of *wal.Log the writer uses.
type journal interface {
	Append(records ...wal.Record) error
	Reset() error
	Size() int64
	Close() error
}

// writer owns the mutable state of a set. Only the dispatcher goroutine
// touches it while the set is open; Close takes over once it has exited.
type writer struct {
	file   *btree.PageFile
	log    journal
	cache  *cache.PageCache
	opts   Options
	logger *zap.Logger

	pages *btree.Pages
	// dirty holds pages changed since the last checkpoint.
	dirty   map[btree.PageOffset]struct{}
	records []wal.Record

	lastLSN     atomic.Uint64
	walBytes    atomic.Int64
	checkpoints atomic.Uint64
	broken      atomic.Pointer[brokenError]
}

func (w *writer) brokenErr() error {
	if b := w.broken.Load(); b != nil {
		return b
	}
	return nil
}

// run is the dispatcher loop: each round takes every queued request up to
// MaxBatch and commits them together.
func (s *Set) run() {
	defer close(s.done)

	batch := make([]request, 0, s.opts.MaxBatch)
	for req := range s.requests {
		batch = append(batch[:0], req)
	fill:
		for len(batch) < s.opts.MaxBatch {
			select {
			case next, ok := <-s.requests:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		s.w.round(batch)
	}
}

// round commits the mutations of a batch, running checkpoint requests in
// their queue position.
func (w *writer) round(batch []request) {
	start := 0
	for i, req := range batch {
		if req.op != opCheckpoint {
			continue
		}
		w.commit(batch[start:i])
		req.reply <- result{err: w.checkpoint()}
		start = i + 1
	}
	w.commit(batch[start:])

	if w.log.Size() >= w.opts.CheckpointBytes && w.brokenErr() == nil {
		if err := w.checkpoint(); err != nil {
			w.logger.Warn("automatic checkpoint failed", zap.Error(err))
		}
	}
}

// commit applies reqs to a private copy of the pages, journals the
// state-changing ones with a single append, publishes the new snapshot and
// only then replies.
func (w *writer) commit(reqs []request) {
	if len(reqs) == 0 {
		return
	}
	if err := w.brokenErr(); err != nil {
		failAll(reqs, err)
		return
	}

	tx := w.pages.Begin()
	results := make([]result, len(reqs))
	w.records = w.records[:0]
	lsn := w.lastLSN.Load()

	for i, req := range reqs {
		var (
			changed bool
			err     error
			op      wal.Op
		)
		switch req.op {
		case opInsert:
			changed, err = btree.Insert(tx, req.id)
			op = wal.OpInsert
		case opDelete:
			changed, err = btree.Delete(tx, req.id)
			op = wal.OpDelete
		}
		if err != nil {
			b := &brokenError{cause: errors.Wrapf(err, "failed to apply %s of %s", op, req.id)}
			w.broken.Store(b)
			w.logger.Error("tree operator failed, refusing further mutations", zap.Error(err))
			failAll(reqs, b)
			return
		}
		results[i].changed = changed
		if changed {
			lsn++
			w.records = append(w.records, wal.Record{Op: op, LSN: lsn, Id: req.id})
		}
	}

	if len(w.records) == 0 {
		replyAll(reqs, results)
		return
	}

	if err := w.log.Append(w.records...); err != nil {
		w.logger.Error("failed to journal batch",
			zap.Int("records", len(w.records)), zap.Error(err))
		if errors.Is(err, wal.ErrUnusable) {
			if b := w.salvageJournal(err); b != nil {
				err = b
			}
		}
		failAll(reqs, err)
		return
	}
	w.lastLSN.Store(lsn)
	w.walBytes.Store(w.log.Size())

	for _, off := range tx.Dirty() {
		w.dirty[off] = struct{}{}
	}
	w.pages = tx.Commit()
	w.cache.Store(w.pages)
	replyAll(reqs, results)
}

// salvageJournal empties a journal that still holds frames of a failed
// append by checkpointing the published pages. If that fails too the set is
// marked broken, and the returned error says why.
func (w *writer) salvageJournal(cause error) *brokenError {
	err := w.checkpoint()
	if err == nil {
		// checkpoint skips the reset when nothing is dirty.
		err = w.log.Reset()
	}
	if err == nil {
		w.walBytes.Store(0)
		w.logger.Warn("wal emptied after failed append")
		return nil
	}
	b := &brokenError{cause: multierr.Append(cause, err)}
	w.broken.Store(b)
	w.logger.Error("wal cannot be emptied, refusing further mutations", zap.Error(err))
	return b
}

func replyAll(reqs []request, results []result) {
	for i, req := range reqs {
		req.reply <- results[i]
	}
}

func failAll(reqs []request, err error) {
	for _, req := range reqs {
		req.reply <- result{err: err}
	}
}
