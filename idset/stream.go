package idset

import (
	"iter"

	"idset/btree"
)

// All yields every id in ascending order. It pages through the set with
// Next, so ids inserted behind the cursor while iterating are not seen and
// ids inserted ahead of it are. An error is yielded once and ends the
// iteration.
func (s *Set) All() iter.Seq2[Id, error] {
	return func(yield func(Id, error) bool) {
		var start *Id
		for {
			batch, err := s.Next(start)
			if err != nil {
				yield(Id{}, err)
				return
			}
			if batch == nil {
				return
			}
			for _, id := range batch {
				if !yield(id, nil) {
					return
				}
			}
			last := batch[len(batch)-1]
			start = &last
		}
	}
}

// Scan returns up to limit ids strictly after start, all read from the same
// snapshot. A limit of zero or less means no limit.
func (s *Set) Scan(start *Id, limit int) ([]Id, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return btree.Scan(s.cache.Load(), start, limit)
}
