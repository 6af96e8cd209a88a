// Package firestore provides a Firestore implementation of the subsync.Storage interface.
// Each record is one document keyed by user id; compare-and-swap runs in a transaction.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

const (
	defaultRecordsCollection = "billing_records"
	defaultClockCollection   = "billing_clock"
	clockDocument            = "now"
	scanBatchSize            = 300
)

// Storage implements subsync.Storage and subsync.TimeSource using Google Cloud Firestore
type Storage struct {
	client            *firestore.Client
	recordsCollection string
	clockCollection   string
}

var (
	_ subsync.Storage    = (*Storage)(nil)
	_ subsync.TimeSource = (*Storage)(nil)
)

// Config holds Firestore storage configuration
type Config struct {
	// RecordsCollection is the Firestore collection for subscription records
	// Default: "billing_records"
	RecordsCollection string

	// ClockCollection holds the single document used to read server time
	// Default: "billing_clock"
	ClockCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.RecordsCollection == "" {
		config.RecordsCollection = defaultRecordsCollection
	}
	if config.ClockCollection == "" {
		config.ClockCollection = defaultClockCollection
	}
	return &Storage{
		client:            client,
		recordsCollection: config.RecordsCollection,
		clockCollection:   config.ClockCollection,
	}, nil
}

func (s *Storage) records() *firestore.CollectionRef {
	return s.client.Collection(s.recordsCollection)
}

// GetRecord implements subsync.Storage
func (s *Storage) GetRecord(ctx context.Context, userID string) (*subsync.Record, error) {
	snap, err := s.records().Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if !snap.Exists() {
		return nil, subsync.ErrRecordNotFound
	}
	return decode(snap)
}

// CreateRecord implements subsync.Storage
func (s *Storage) CreateRecord(ctx context.Context, rec *subsync.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}
	if _, err := s.records().Doc(rec.UserID).Create(ctx, rec); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return subsync.ErrRecordExists
		}
		return fmt.Errorf("failed to create record: %w", err)
	}
	return nil
}

// CompareAndSwapRecord implements subsync.Storage with a Firestore transaction
func (s *Storage) CompareAndSwapRecord(ctx context.Context, rec *subsync.Record, expectedVersion int64) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}
	doc := s.records().Doc(rec.UserID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return subsync.ErrRecordNotFound
			}
			return err
		}
		current, err := decode(snap)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return subsync.ErrVersionConflict
		}
		return tx.Set(doc, rec)
	})
	if err != nil {
		if errors.Is(err, subsync.ErrRecordNotFound) || errors.Is(err, subsync.ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("failed to update record: %w", err)
	}
	return nil
}

// FindByCustomerID implements subsync.Storage
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) ([]*subsync.Record, error) {
	if customerID == "" {
		return nil, nil
	}
	iter := s.records().Where("billingCustomerId", "==", customerID).Documents(ctx)
	defer iter.Stop()

	var out []*subsync.Record
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query records: %w", err)
		}
		rec, err := decode(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ScanRecords implements subsync.Storage. Documents are read in id order in
// batches; no query is open while fn runs.
func (s *Storage) ScanRecords(ctx context.Context, fn func(*subsync.Record) bool) error {
	query := s.records().OrderBy(firestore.DocumentID, firestore.Asc).Limit(scanBatchSize)
	var last *firestore.DocumentSnapshot
	for {
		q := query
		if last != nil {
			q = q.StartAfter(last)
		}
		snaps, err := q.Documents(ctx).GetAll()
		if err != nil {
			return fmt.Errorf("failed to scan records: %w", err)
		}
		for _, snap := range snaps {
			rec, err := decode(snap)
			if err != nil {
				return err
			}
			if !fn(rec) {
				return nil
			}
		}
		if len(snaps) < scanBatchSize {
			return nil
		}
		last = snaps[len(snaps)-1]
	}
}

// Now implements subsync.TimeSource. It touches a clock document and returns the
// server-assigned update time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	wr, err := s.client.Collection(s.clockCollection).Doc(clockDocument).Set(ctx, map[string]interface{}{
		"at": firestore.ServerTimestamp,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read firestore time: %w", err)
	}
	return wr.UpdateTime.UTC(), nil
}

func decode(snap *firestore.DocumentSnapshot) (*subsync.Record, error) {
	var rec subsync.Record
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", snap.Ref.ID, err)
	}
	if rec.UserID == "" {
		rec.UserID = snap.Ref.ID
	}
	return &rec, nil
}
