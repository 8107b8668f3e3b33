package idset

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"idset/btree"
	"idset/cache"
	"idset/wal"
)

// recoverWriter brings the files at path to a consistent state: it finishes
// an interrupted checkpoint, loads the pages, replays the journal on top and
// checkpoints the result.
func recoverWriter(file *btree.PageFile, path string, opts Options, logger *zap.Logger) (*writer, error) {
	restored, err := file.RecoverShadow()
	if err != nil {
		return nil, errors.Wrap(err, "failed to recover interrupted checkpoint")
	}
	if restored > 0 {
		logger.Info("finished interrupted checkpoint", zap.Int("pages", restored))
	}

	pages, err := file.LoadPages()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pages")
	}
	header, err := pages.Header()
	if err != nil {
		return nil, err
	}

	log, err := wal.Open(path+".wal", wal.Options{NoSync: opts.NoSync, Logger: logger})
	if err != nil {
		return nil, err
	}

	tx := pages.Begin()
	res, err := log.Replay(header.CheckpointLSN, func(r wal.Record) error {
		var err error
		switch r.Op {
		case wal.OpInsert:
			_, err = btree.Insert(tx, r.Id)
		case wal.OpDelete:
			_, err = btree.Delete(tx, r.Id)
		}
		return errors.Wrapf(err, "failed to replay %s at lsn %d", r.Op, r.LSN)
	})
	if err != nil {
		log.Close()
		return nil, errors.Wrap(err, "failed to replay wal")
	}

	w := &writer{
		file:   file,
		log:    log,
		opts:   opts,
		logger: logger,
		dirty:  make(map[btree.PageOffset]struct{}),
	}
	for _, off := range tx.Dirty() {
		w.dirty[off] = struct{}{}
	}
	w.pages = tx.Commit()
	w.lastLSN.Store(max(header.CheckpointLSN, res.LastLSN))
	w.walBytes.Store(log.Size())

	if opts.VerifyOnOpen {
		if err := btree.Check(w.pages); err != nil {
			log.Close()
			return nil, errors.Wrap(err, "structure check failed")
		}
	}
	w.cache = cache.NewPageCache(w.pages)

	if res.Applied > 0 || res.Skipped > 0 {
		logger.Info("replayed wal",
			zap.Int("records", res.Applied),
			zap.Int("skipped", res.Skipped),
			zap.Uint64("lsn", res.LastLSN))
		if err := w.checkpoint(); err != nil {
			logger.Warn("checkpoint after replay failed", zap.Error(err))
		}
	}
	return w, nil
}

// checkpoint writes every page changed since the last checkpoint through
// the shadow file, records the covered LSN in the header and empties the
// journal. On failure the dirty set is kept for the next attempt.
func (w *writer) checkpoint() error {
	if err := w.brokenErr(); err != nil {
		return err
	}
	if len(w.dirty) == 0 && w.log.Size() == 0 {
		return nil
	}

	lsn := w.lastLSN.Load()
	tx := w.pages.Begin()
	if err := tx.SetCheckpointLSN(lsn); err != nil {
		return err
	}
	for _, off := range tx.Dirty() {
		w.dirty[off] = struct{}{}
	}
	pages := tx.Commit()

	dirty := make([]btree.PageOffset, 0, len(w.dirty))
	for off := range w.dirty {
		dirty = append(dirty, off)
	}
	if err := w.file.WritePages(pages, dirty); err != nil {
		w.logger.Error("checkpoint failed", zap.Int("pages", len(dirty)), zap.Error(err))
		return errors.Wrap(err, "failed to write checkpoint")
	}
	w.pages = pages
	w.cache.Store(pages)
	clear(w.dirty)

	if err := w.log.Reset(); err != nil {
		// The pages already carry lsn, so the stale records are skipped on
		// the next replay.
		w.logger.Warn("failed to reset wal after checkpoint", zap.Error(err))
		return errors.Wrap(err, "failed to reset wal")
	}
	w.walBytes.Store(0)
	w.checkpoints.Add(1)
	w.logger.Debug("checkpoint written", zap.Int("pages", len(dirty)), zap.Uint64("lsn", lsn))
	return nil
}
