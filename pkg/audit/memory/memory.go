// Package memory provides an in-memory audit.Store for testing and
// single-process deployments. Records are lost when the process exits.
// When a maximum size is set, the oldest record is evicted first.
package memory

import (
	"container/list"
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/rhuss/warden/pkg/audit"
)

// entry holds a stored record and its position in the eviction list.
type entry struct {
	rec  audit.Record
	elem *list.Element
}

// Store is a bounded in-memory audit.Store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   *list.List // front = newest, back = oldest
	maxSize int        // 0 = unlimited
}

// Ensure Store implements audit.Store at compile time.
var _ audit.Store = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// Save stores a copy of rec.
func (s *Store) Save(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[rec.AttemptID]; exists {
		return audit.ErrConflict
	}

	// Evict if at capacity.
	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	elem := s.order.PushFront(rec.AttemptID)
	s.entries[rec.AttemptID] = &entry{rec: clone(rec), elem: elem}
	return nil
}

// Get returns a copy of the record with the given attempt ID.
func (s *Store) Get(_ context.Context, attemptID string) (*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[attemptID]
	if !ok {
		return nil, audit.ErrNotFound
	}
	rec := clone(e.rec)
	return &rec, nil
}

// List returns matching records, newest first.
func (s *Store) List(_ context.Context, f audit.Filter) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []audit.Record
	for _, e := range s.entries {
		if f.Matches(e.rec) {
			matches = append(matches, clone(e.rec))
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].Time.Equal(matches[j].Time) {
			return matches[i].Time.After(matches[j].Time)
		}
		return matches[i].AttemptID > matches[j].AttemptID
	})

	if limit := f.EffectiveLimit(); len(matches) > limit {
		matches = matches[:limit]
	}
	if matches == nil {
		matches = []audit.Record{}
	}
	return matches, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// evictOldest removes the oldest record.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.order.Back()
	if back == nil {
		return
	}

	id := back.Value.(string)
	s.order.Remove(back)
	delete(s.entries, id)
}

func clone(rec audit.Record) audit.Record {
	rec.Satisfied = slices.Clone(rec.Satisfied)
	rec.Failures = slices.Clone(rec.Failures)
	return rec
}
