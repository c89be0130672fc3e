//go:build unit

package inbox

import (
	"context"
	"database/sql"
	"slices"
	"sync"
	"time"
)

type memStore struct {
	mu        sync.Mutex
	records   map[string]*Record
	getErr    error
	addErr    error
	updateErr func(record *Record) error
	// afterGet runs between the existence check and the insert.
	afterGet func()
}

func newMemStore(records ...*Record) *memStore {
	store := &memStore{records: make(map[string]*Record)}
	for _, r := range records {
		store.records[r.ID] = clone(r)
	}

	return store
}

func clone(r *Record) *Record {
	c := *r
	c.Content = slices.Clone(r.Content)

	if r.ProcessedOnUTC != nil {
		at := *r.ProcessedOnUTC
		c.ProcessedOnUTC = &at
	}

	return &c
}

func (s *memStore) Add(_ context.Context, _ *sql.Tx, record *Record) error {
	if s.addErr != nil {
		return s.addErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return ErrDuplicateMessage
	}

	s.records[record.ID] = clone(record)

	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Record, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}

	s.mu.Lock()
	record, ok := s.records[id]
	s.mu.Unlock()

	if s.afterGet != nil {
		s.afterGet()
	}

	if !ok {
		return nil, ErrRecordNotFound
	}

	return clone(record), nil
}

func (s *memStore) Update(_ context.Context, record *Record) error {
	if s.updateErr != nil {
		if err := s.updateErr(record); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[record.ID]
	if !ok {
		return ErrRecordNotFound
	}

	if prev, _ := record.Status.Predecessor(); current.Status != prev {
		return ErrStateConflict
	}

	s.records[record.ID] = clone(record)

	return nil
}

func (s *memStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64

	for id, r := range s.records {
		if r.Status == StatusProcessed && r.ReceivedOnUTC.Before(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}

	return deleted, nil
}

func (s *memStore) get(id string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[id]; ok {
		return clone(r)
	}

	return nil
}

var baseTime = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
