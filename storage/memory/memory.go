// Package memory provides an in-memory implementation of the subsync.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// Storage implements subsync.Storage using an in-memory map
type Storage struct {
	mu      sync.RWMutex
	records map[string]*subsync.Record
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		records: make(map[string]*subsync.Record),
	}
}

// GetRecord implements subsync.Storage
func (s *Storage) GetRecord(_ context.Context, userID string) (*subsync.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, subsync.ErrRecordNotFound
	}
	// Return a copy to prevent external mutations
	return rec.Clone(), nil
}

// CreateRecord implements subsync.Storage
func (s *Storage) CreateRecord(_ context.Context, rec *subsync.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.UserID]; ok {
		return subsync.ErrRecordExists
	}
	s.records[rec.UserID] = rec.Clone()
	return nil
}

// CompareAndSwapRecord implements subsync.Storage
func (s *Storage) CompareAndSwapRecord(_ context.Context, rec *subsync.Record, expectedVersion int64) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.UserID]
	if !ok {
		return subsync.ErrRecordNotFound
	}
	if current.Version != expectedVersion {
		return subsync.ErrVersionConflict
	}
	s.records[rec.UserID] = rec.Clone()
	return nil
}

// FindByCustomerID implements subsync.Storage
func (s *Storage) FindByCustomerID(_ context.Context, customerID string) ([]*subsync.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subsync.Record
	for _, rec := range s.records {
		if customerID != "" && rec.BillingCustomerID == customerID {
			out = append(out, rec.Clone())
		}
	}
	sortByUser(out)
	return out, nil
}

// ScanRecords implements subsync.Storage. Records are visited in user id order
// from a snapshot, so fn may call back into the storage.
func (s *Storage) ScanRecords(ctx context.Context, fn func(*subsync.Record) bool) error {
	s.mu.RLock()
	snapshot := make([]*subsync.Record, 0, len(s.records))
	for _, rec := range s.records {
		snapshot = append(snapshot, rec.Clone())
	}
	s.mu.RUnlock()

	sortByUser(snapshot)
	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// Len returns the number of stored records.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func sortByUser(recs []*subsync.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].UserID < recs[j].UserID })
}
