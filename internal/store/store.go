package store

import (
	"errors"
	"iter"
	"slices"

	"calsync/internal/model"
	"calsync/internal/query"
)

// ErrNilEntry is returned when a nil entry is passed to Add or Remove.
var ErrNilEntry = errors.New("store: nil entry")

// Listener is told about every effective insert and removal.
type Listener interface {
	EntryAdded(e *model.Entry)
	EntryRemoved(e *model.Entry)
}

// Store is the authoritative in-memory collection of entries, keyed by id.
// Iteration follows insertion order. Not safe for concurrent use.
type Store struct {
	entries  map[string]*model.Entry
	order    []string
	listener Listener
}

// New returns an empty store reporting to l. l may be nil.
func New(l Listener) *Store {
	return &Store{
		entries:  make(map[string]*model.Entry),
		listener: l,
	}
}

// SetListener replaces the listener.
func (s *Store) SetListener(l Listener) {
	s.listener = l
}

// Add inserts e and attaches it. Adding an id that is already present is a
// no-op and reports false.
func (s *Store) Add(e *model.Entry) (bool, error) {
	if e == nil {
		return false, ErrNilEntry
	}
	id := e.ID()
	if _, ok := s.entries[id]; ok {
		return false, nil
	}
	s.entries[id] = e
	s.order = append(s.order, id)
	e.Attach()
	if s.listener != nil {
		s.listener.EntryAdded(e)
	}
	return true, nil
}

// Remove detaches and drops the entry with e's id. An absent id is a no-op
// and reports false.
func (s *Store) Remove(e *model.Entry) (bool, error) {
	if e == nil {
		return false, ErrNilEntry
	}
	id := e.ID()
	stored, ok := s.entries[id]
	if !ok {
		return false, nil
	}
	delete(s.entries, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	stored.Detach()
	if s.listener != nil {
		s.listener.EntryRemoved(stored)
	}
	return true, nil
}

// Get returns the entry stored under id.
func (s *Store) Get(id string) (*model.Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Len returns the number of stored entries.
func (s *Store) Len() int { return len(s.entries) }

// IDs returns a snapshot of all ids in insertion order.
func (s *Store) IDs() []string {
	return slices.Clone(s.order)
}

// All yields every entry in insertion order. Each range starts over from
// the current contents; entries removed while ranging are skipped.
func (s *Store) All() iter.Seq[*model.Entry] {
	return func(yield func(*model.Entry) bool) {
		for _, id := range slices.Clone(s.order) {
			e, ok := s.entries[id]
			if !ok {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Fetch lazily yields the entries matching f. The result is re-evaluated
// every time it is ranged over.
func (s *Store) Fetch(f query.Filter) iter.Seq[*model.Entry] {
	return query.Apply(s.All(), f)
}
