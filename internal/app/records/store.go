// Package records holds the in-memory data collection behind the records API.
package records

import (
	"strconv"
	"sync"

	"github.com/Krishnakrish77/api-lab/errs"
)

// Record is one stored item.
type Record struct {
	ID    int    `json:"id"`
	Value string `json:"value"`
}

// Store is an ordered, mutex-guarded collection with auto-incrementing ids
// starting at 1. Ids are never reused after deletion.
type Store struct {
	mu     sync.RWMutex
	items  []Record
	nextID int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{nextID: 1}
}

// List returns a copy of all records in insertion order.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Create appends a record and assigns it the next id.
func (s *Store) Create(value string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := Record{ID: s.nextID, Value: value}
	s.nextID++
	s.items = append(s.items, rec)
	return rec
}

// Get returns the record with id.
func (s *Store) Get(id int) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return Record{}, notFound(id)
	}
	return s.items[idx], nil
}

// Replace overwrites the record with id.
func (s *Store) Replace(id int, value string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return Record{}, notFound(id)
	}
	s.items[idx] = Record{ID: id, Value: value}
	return s.items[idx], nil
}

// Patch updates the fields that are set. A nil value leaves the record unchanged.
func (s *Store) Patch(id int, value *string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return Record{}, notFound(id)
	}
	if value != nil {
		s.items[idx].Value = *value
	}
	return s.items[idx], nil
}

// Delete removes the record with id, preserving the order of the rest.
func (s *Store) Delete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return notFound(id)
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	return nil
}

// indexOf must be called with the lock held.
func (s *Store) indexOf(id int) int {
	for i, rec := range s.items {
		if rec.ID == id {
			return i
		}
	}
	return -1
}

func notFound(id int) error {
	return errs.New("records", errs.CodeNotFound,
		errs.WithHTTP(404),
		errs.WithMessage("record "+strconv.Itoa(id)+" not found"))
}
