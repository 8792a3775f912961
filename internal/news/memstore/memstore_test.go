package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinel/internal/news"
	"github.com/linnemanlabs/sentinel/internal/news/storetest"
)

func TestConformance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(*testing.T) news.Store { return New() })
}

func TestStore_TxDone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err == nil {
		t.Error("second Commit = nil, want error")
	}
	if _, err := tx.RecordIfNew(ctx, "x", time.Now()); err == nil {
		t.Error("RecordIfNew after Commit = nil error")
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Errorf("Rollback after Commit = %v, want nil", err)
	}
}

func TestStore_UncommittedInvisible(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	if _, err := tx.RecordIfNew(ctx, "pending", time.Now()); err != nil {
		t.Fatal(err)
	}
	if s.LedgerSize() != 0 {
		t.Error("uncommitted ledger entry visible")
	}
	if _, ok := s.Counter(time.Now()); ok {
		t.Error("uncommitted counter visible")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if s.LedgerSize() != 1 {
		t.Errorf("LedgerSize = %d, want 1", s.LedgerSize())
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	tx, _ := s.Begin(ctx)
	rec := &news.FlashRecord{Identifier: "c1", Tags: []string{"a"}, IngestedAt: time.Now()}
	if err := tx.InsertFlash(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Tags[0] = "mutated"
	_ = tx.Commit(ctx)

	got, _ := s.ListFlashes(ctx, news.FlashQuery{})
	got[0].Title = "changed"
	again, _ := s.ListFlashes(ctx, news.FlashQuery{})
	if again[0].Title != "" || again[0].Tags[0] != "a" {
		t.Errorf("stored record was mutated through a returned or inserted pointer: %+v", again[0])
	}
}

func TestStore_ConcurrentReadsDuringRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Stats(ctx, time.Now())
			_, _ = s.PendingInWindow(ctx, time.Now().Add(-time.Hour), time.Now())
		}()
	}
	tx, _ := s.Begin(ctx)
	for i := range 50 {
		_, _ = tx.RecordIfNew(ctx, string(rune('a'+i)), time.Now())
	}
	_ = tx.Commit(ctx)
	wg.Wait()

	c, _ := s.Counter(time.Now())
	if c.ScannedCount != 50 {
		t.Errorf("counter = %d, want 50", c.ScannedCount)
	}
}
