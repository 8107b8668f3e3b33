// Package idset is a persistent, crash-safe set of 128-bit ids.
//
// A Set keeps every page of its B+Tree in memory and serves reads from an
// immutable snapshot without locking. Mutations are queued to a single
// writer goroutine, which applies them in batches, journals each batch with
// one fsync, and then publishes a new snapshot. Journaled changes are folded
// into the page file by periodic checkpoints.
package idset

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"idset/btree"
	"idset/cache"
	"idset/wal"
)

// Id is the element type of a Set.
type Id = btree.Id

// Set is a handle to an open id set. It is safe for concurrent use.
type Set struct {
	path   string
	opts   Options
	logger *zap.Logger

	cache *cache.PageCache
	w     *writer

	mu       sync.RWMutex
	closed   atomic.Bool
	requests chan request
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Stats describes an open set.
type Stats struct {
	Tree btree.TreeStats
	// WALBytes is the size of the journal not yet checkpointed.
	WALBytes int64
	// LastLSN is the sequence number of the newest journaled change.
	LastLSN uint64
	// Snapshots counts the snapshots published since open.
	Snapshots   uint64
	Checkpoints uint64
	Broken      bool
}

// Open opens the set stored at path, creating it if needed. The journal
// lives next to it in path+".wal". Any checkpoint cut short by a crash is
// finished and the journal is replayed before Open returns.
func Open(path string, opts Options) (*Set, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With(zap.String("path", path))

	file, err := btree.OpenPageFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open page file")
	}

	w, err := recoverWriter(file, path, opts, logger)
	if err != nil {
		file.Close()
		return nil, err
	}

	s := &Set{
		path:     path,
		opts:     opts,
		logger:   logger,
		cache:    w.cache,
		w:        w,
		requests: make(chan request, opts.QueueCapacity),
		done:     make(chan struct{}),
	}
	go s.run()

	logger.Info("id set opened",
		zap.Uint64("ids", s.cache.Len()),
		zap.Uint64("lsn", w.lastLSN.Load()))
	return s, nil
}

// Path returns the location of the page file.
func (s *Set) Path() string {
	return s.path
}

// Insert adds id and reports whether it was absent. It returns once the
// change is journaled. Cancelling ctx stops the wait, but a request already
// taken by the writer is still applied.
func (s *Set) Insert(ctx context.Context, id Id) (bool, error) {
	return s.submit(ctx, opInsert, id)
}

// Delete removes id and reports whether it was present. It has the same
// durability and cancellation behaviour as Insert.
func (s *Set) Delete(ctx context.Context, id Id) (bool, error) {
	return s.submit(ctx, opDelete, id)
}

// Checkpoint folds the journal into the page file and empties it.
func (s *Set) Checkpoint(ctx context.Context) error {
	_, err := s.submit(ctx, opCheckpoint, Id{})
	return err
}

// Contains reports whether id is in the set. It never waits for the writer.
func (s *Set) Contains(id Id) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	return s.cache.Contains(id)
}

// Next returns, in ascending order, the ids of the next leaf that holds ids
// strictly greater than start. A nil start begins at the smallest id; a nil
// result means there are no more ids. Each call reads the latest snapshot.
func (s *Set) Next(start *Id) ([]Id, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.cache.Next(start)
}

// Len returns the number of ids in the set.
func (s *Set) Len() uint64 {
	return s.cache.Len()
}

func (s *Set) Stats() (Stats, error) {
	tree, err := s.cache.Stats()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Tree:        tree,
		WALBytes:    s.w.walBytes.Load(),
		LastLSN:     s.w.lastLSN.Load(),
		Snapshots:   s.cache.Version(),
		Checkpoints: s.w.checkpoints.Load(),
		Broken:      s.w.brokenErr() != nil,
	}, nil
}

// Check verifies the structure of the current snapshot.
func (s *Set) Check() error {
	return btree.Check(s.cache.Load())
}

// Close stops accepting requests, lets the writer finish what is queued,
// checkpoints, and releases the files. It is safe to call more than once.
func (s *Set) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.requests)
		s.mu.Unlock()
		<-s.done

		var err error
		if s.w.brokenErr() == nil {
			err = s.w.checkpoint()
		}
		err = multierr.Combine(err, s.w.log.Close(), s.w.file.Close())
		s.closeErr = err
		if err != nil {
			s.logger.Error("id set closed with errors", zap.Error(err))
		} else {
			s.logger.Info("id set closed")
		}
	})
	return s.closeErr
}

func (s *Set) submit(ctx context.Context, op opKind, id Id) (bool, error) {
	req := request{op: op, id: id, reply: make(chan result, 1)}

	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return false, ErrClosed
	}
	if err := s.w.brokenErr(); err != nil && op != opCheckpoint {
		s.mu.RUnlock()
		return false, err
	}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		s.mu.RUnlock()
		return false, ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case res := <-req.reply:
		return res.changed, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// compile-time check that wal.Log satisfies what the writer needs.
var _ journal = (*wal.Log)(nil)
