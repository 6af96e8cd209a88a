package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

var _ subsync.Storage = (*Storage)(nil)

func TestStorage_CreateAndGet(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetRecord(ctx, "user1")
	if !errors.Is(err, subsync.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}

	rec := subsync.NewRecord("user1", "a@example.com", time.Now().UTC())
	if err := storage.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if err := storage.CreateRecord(ctx, rec); !errors.Is(err, subsync.ErrRecordExists) {
		t.Errorf("Expected ErrRecordExists, got %v", err)
	}

	got, err := storage.GetRecord(ctx, "user1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Email != "a@example.com" || got.Status != subsync.StatusNone {
		t.Errorf("unexpected record %+v", got)
	}

	// Mutating the returned copy must not leak into storage
	got.Email = "changed"
	again, _ := storage.GetRecord(ctx, "user1")
	if again.Email != "a@example.com" {
		t.Error("GetRecord returned a shared pointer")
	}
}

func TestStorage_CompareAndSwap(t *testing.T) {
	storage := New()
	ctx := context.Background()

	rec := subsync.NewRecord("user1", "", time.Now().UTC())
	if err := storage.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	next := rec.Clone()
	next.BillingCustomerID = "cust_1"
	next.Version = 1
	if err := storage.CompareAndSwapRecord(ctx, next, 0); err != nil {
		t.Fatalf("CompareAndSwapRecord failed: %v", err)
	}

	stale := rec.Clone()
	stale.BillingCustomerID = "cust_2"
	stale.Version = 1
	if err := storage.CompareAndSwapRecord(ctx, stale, 0); !errors.Is(err, subsync.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}

	missing := subsync.NewRecord("ghost", "", time.Now())
	if err := storage.CompareAndSwapRecord(ctx, missing, 0); !errors.Is(err, subsync.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}

	got, _ := storage.GetRecord(ctx, "user1")
	if got.BillingCustomerID != "cust_1" || got.Version != 1 {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestStorage_ConcurrentCompareAndSwap(t *testing.T) {
	storage := New()
	ctx := context.Background()
	if err := storage.CreateRecord(ctx, subsync.NewRecord("user1", "", time.Now())); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := subsync.NewRecord("user1", "", time.Now())
			next.Version = 1
			if err := storage.CompareAndSwapRecord(ctx, next, 0); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winning writer, got %d", wins)
	}
}

func TestStorage_FindAndScan(t *testing.T) {
	storage := New()
	ctx := context.Background()

	for _, tc := range []struct{ user, customer string }{
		{"u1", "CUST_A"},
		{"u2", "cust_b"},
		{"u3", ""},
	} {
		rec := subsync.NewRecord(tc.user, "", time.Now())
		rec.BillingCustomerID = tc.customer
		if err := storage.CreateRecord(ctx, rec); err != nil {
			t.Fatalf("CreateRecord failed: %v", err)
		}
	}

	found, err := storage.FindByCustomerID(ctx, "CUST_A")
	if err != nil {
		t.Fatalf("FindByCustomerID failed: %v", err)
	}
	if len(found) != 1 || found[0].UserID != "u1" {
		t.Errorf("unexpected result %+v", found)
	}

	found, _ = storage.FindByCustomerID(ctx, "cust_a")
	if len(found) != 0 {
		t.Errorf("exact lookup must be case-sensitive, got %d", len(found))
	}

	var visited []string
	err = storage.ScanRecords(ctx, func(rec *subsync.Record) bool {
		visited = append(visited, rec.UserID)
		return rec.UserID != "u2"
	})
	if err != nil {
		t.Fatalf("ScanRecords failed: %v", err)
	}
	if len(visited) != 2 || visited[0] != "u1" || visited[1] != "u2" {
		t.Errorf("unexpected scan order %v", visited)
	}
}
