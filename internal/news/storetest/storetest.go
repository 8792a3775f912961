// Package storetest holds behavioural tests every news.Store must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinel/internal/news"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) news.Store

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s news.Store)
	}{
		{"RecordIfNewTwice", testRecordIfNewTwice},
		{"NestedRollbackDiscardsLedgerAndCounter", testNestedRollback},
		{"RootRollbackDiscardsEverything", testRootRollback},
		{"InsertFlashDuplicate", testInsertFlashDuplicate},
		{"TxMarkPushed", testTxMarkPushed},
		{"PendingInWindow", testPendingInWindow},
		{"MarkPushedBatch", testMarkPushedBatch},
		{"StatsAndScanned", testStatsAndScanned},
		{"ListFlashes", testListFlashes},
		{"Reports", testReports},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.fn(t, newStore(t))
		})
	}
}

// base is a fixed local-zone instant far from midnight so day math is stable.
func base() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, time.Local)
}

func begin(t *testing.T, s interface {
	Begin(context.Context) (news.Tx, error)
}) news.Tx {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return tx
}

func commit(t *testing.T, tx news.Tx) {
	t.Helper()
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func scanned(t *testing.T, s news.Store, day time.Time) int {
	t.Helper()
	st, err := s.Stats(context.Background(), day)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return st.TodayScanned
}

func flash(id string, ingested time.Time) *news.FlashRecord {
	return &news.FlashRecord{
		Source:      "test",
		Identifier:  id,
		Title:       "title " + id,
		Body:        "body " + id,
		URL:         "https://example.test/" + id,
		PublishedAt: ingested.Add(-time.Minute),
		Tags:        []string{news.TagSecurity, news.TagCompliance},
		IngestedAt:  ingested,
	}
}

func insert(t *testing.T, s news.Store, recs ...*news.FlashRecord) {
	t.Helper()
	ctx := context.Background()
	tx := begin(t, s)
	for _, r := range recs {
		if _, err := tx.RecordIfNew(ctx, r.Identifier, r.IngestedAt); err != nil {
			t.Fatalf("RecordIfNew: %v", err)
		}
		if err := tx.InsertFlash(ctx, r); err != nil {
			t.Fatalf("InsertFlash: %v", err)
		}
	}
	commit(t, tx)
}

func testRecordIfNewTwice(t *testing.T, s news.Store) {
	ctx := context.Background()
	at := base()

	tx := begin(t, s)
	first, err := tx.RecordIfNew(ctx, "id-1", at)
	if err != nil || !first {
		t.Fatalf("first RecordIfNew = %v, %v; want true", first, err)
	}
	second, err := tx.RecordIfNew(ctx, "id-1", at)
	if err != nil || second {
		t.Fatalf("second RecordIfNew = %v, %v; want false", second, err)
	}
	commit(t, tx)

	// across units of work too
	tx = begin(t, s)
	again, err := tx.RecordIfNew(ctx, "id-1", at)
	if err != nil || again {
		t.Fatalf("RecordIfNew in new tx = %v, %v; want false", again, err)
	}
	commit(t, tx)

	if got := scanned(t, s, at); got != 1 {
		t.Errorf("scanned = %d, want 1", got)
	}
}

func testNestedRollback(t *testing.T, s news.Store) {
	ctx := context.Background()
	at := base()

	tx := begin(t, s)
	if _, err := tx.RecordIfNew(ctx, "kept", at); err != nil {
		t.Fatal(err)
	}

	itx := begin(t, tx)
	if ok, err := itx.RecordIfNew(ctx, "dropped", at); err != nil || !ok {
		t.Fatalf("nested RecordIfNew = %v, %v", ok, err)
	}
	if err := itx.Rollback(ctx); err != nil {
		t.Fatalf("nested Rollback: %v", err)
	}

	itx = begin(t, tx)
	if ok, err := itx.RecordIfNew(ctx, "nested-kept", at); err != nil || !ok {
		t.Fatalf("nested RecordIfNew = %v, %v", ok, err)
	}
	commit(t, itx)
	commit(t, tx)

	if got := scanned(t, s, at); got != 2 {
		t.Errorf("scanned = %d, want 2", got)
	}

	tx = begin(t, s)
	defer tx.Rollback(ctx) //nolint:errcheck // test cleanup
	if ok, _ := tx.RecordIfNew(ctx, "dropped", at); !ok {
		t.Error("rolled-back identifier is still in the ledger")
	}
}

func testRootRollback(t *testing.T, s news.Store) {
	ctx := context.Background()
	at := base()

	tx := begin(t, s)
	if _, err := tx.RecordIfNew(ctx, "r1", at); err != nil {
		t.Fatal(err)
	}
	if err := tx.InsertFlash(ctx, flash("r1", at)); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Errorf("second Rollback = %v, want nil", err)
	}

	if got := scanned(t, s, at); got != 0 {
		t.Errorf("scanned = %d, want 0", got)
	}
	flashes, err := s.ListFlashes(ctx, news.FlashQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(flashes) != 0 {
		t.Errorf("flashes = %d, want 0", len(flashes))
	}
}

func testInsertFlashDuplicate(t *testing.T, s news.Store) {
	ctx := context.Background()
	at := base()
	insert(t, s, flash("f1", at))

	tx := begin(t, s)
	defer tx.Rollback(ctx) //nolint:errcheck // test cleanup
	itx := begin(t, tx)
	err := itx.InsertFlash(ctx, flash("f1", at))
	if !errors.Is(err, news.ErrDuplicate) {
		t.Fatalf("InsertFlash duplicate = %v, want ErrDuplicate", err)
	}
	_ = itx.Rollback(ctx)

	// the outer unit stays usable after the conflict
	if _, err := tx.RecordIfNew(ctx, "after-conflict", at); err != nil {
		t.Errorf("RecordIfNew after conflict: %v", err)
	}
}

func testTxMarkPushed(t *testing.T, s news.Store) {
	ctx := context.Background()
	at := base()

	tx := begin(t, s)
	if err := tx.InsertFlash(ctx, flash("m1", at)); err != nil {
		t.Fatal(err)
	}
	if err := tx.MarkPushed(ctx, "m1"); err != nil {
		t.Fatalf("MarkPushed: %v", err)
	}
	if err := tx.MarkPushed(ctx, "missing"); err == nil {
		t.Error("MarkPushed(missing) = nil, want error")
	}
	commit(t, tx)

	flashes, err := s.ListFlashes(ctx, news.FlashQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(flashes) != 1 || !flashes[0].Pushed {
		t.Fatalf("flashes = %+v, want one pushed", flashes)
	}
	if !slices.Equal(flashes[0].Tags, []string{news.TagSecurity, news.TagCompliance}) {
		t.Errorf("tags = %v", flashes[0].Tags)
	}
}

func testPendingInWindow(t *testing.T, s news.Store) {
	ctx := context.Background()
	now := base()

	older := flash("older-pub", now.Add(-10*time.Minute))
	older.PublishedAt = now.Add(-3 * time.Hour)
	newer := flash("newer-pub", now.Add(-20*time.Minute))
	newer.PublishedAt = now.Add(-time.Hour)
	stale := flash("stale", now.Add(-2*time.Hour))
	pushed := flash("pushed", now.Add(-5*time.Minute))
	pushed.Pushed = true
	insert(t, s, older, newer, stale, pushed)

	got, err := s.PendingInWindow(ctx, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, f := range got {
		ids = append(ids, f.Identifier)
	}
	if !slices.Equal(ids, []string{"newer-pub", "older-pub"}) {
		t.Errorf("pending = %v, want [newer-pub older-pub]", ids)
	}
}

func testMarkPushedBatch(t *testing.T, s news.Store) {
	ctx := context.Background()
	now := base()
	insert(t, s, flash("b1", now), flash("b2", now), flash("b3", now))

	if err := s.MarkPushed(ctx, []string{"b1", "b3"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkPushed(ctx, nil); err != nil {
		t.Errorf("MarkPushed(nil) = %v", err)
	}

	pending, err := s.PendingInWindow(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Identifier != "b2" {
		t.Errorf("pending = %+v, want only b2", pending)
	}
}

func testStatsAndScanned(t *testing.T, s news.Store) {
	ctx := context.Background()
	today := base()
	yesterday := today.AddDate(0, 0, -1)

	tx := begin(t, s)
	for i := range 3 {
		if _, err := tx.RecordIfNew(ctx, fmt.Sprintf("y-%d", i), yesterday); err != nil {
			t.Fatal(err)
		}
	}
	for i := range 2 {
		if _, err := tx.RecordIfNew(ctx, fmt.Sprintf("t-%d", i), today); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.InsertFlash(ctx, flash("t-0", today)); err != nil {
		t.Fatal(err)
	}
	if err := tx.InsertFlash(ctx, flash("y-0", yesterday)); err != nil {
		t.Fatal(err)
	}
	commit(t, tx)

	st, err := s.Stats(ctx, today)
	if err != nil {
		t.Fatal(err)
	}
	want := news.Stats{TodayScanned: 2, TodayRisks: 1, TotalScanned: 5, TotalRisks: 2}
	if st.TodayScanned != want.TodayScanned || st.TodayRisks != want.TodayRisks ||
		st.TotalScanned != want.TotalScanned || st.TotalRisks != want.TotalRisks {
		t.Errorf("Stats = %+v, want %+v", st, want)
	}

	n, err := s.ScannedBetween(ctx, news.DayOf(yesterday), news.DayOf(today))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("ScannedBetween(yesterday) = %d, want 3", n)
	}
}

func testListFlashes(t *testing.T, s news.Store) {
	ctx := context.Background()
	now := base()
	insert(t, s, flash("l1", now.Add(-3*time.Hour)), flash("l2", now.Add(-2*time.Hour)), flash("l3", now.Add(-time.Hour)))

	all, err := s.ListFlashes(ctx, news.FlashQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Identifier != "l3" {
		t.Errorf("ListFlashes = %d items, first %q; want 3, l3", len(all), all[0].Identifier)
	}

	limited, err := s.ListFlashes(ctx, news.FlashQuery{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}

	window, err := s.ListFlashes(ctx, news.FlashQuery{From: now.Add(-150 * time.Minute), To: now.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 1 || window[0].Identifier != "l2" {
		t.Errorf("window = %+v, want only l2", window)
	}
}

func testReports(t *testing.T, s news.Store) {
	ctx := context.Background()
	now := base().Truncate(time.Millisecond)

	older := &news.Report{ID: "r-old", Kind: news.ReportDaily, PeriodStart: now.AddDate(0, 0, -2), PeriodEnd: now.AddDate(0, 0, -1), Content: "old", CreatedAt: now.Add(-time.Hour)}
	newer := &news.Report{ID: "r-new", Kind: news.ReportWeekly, PeriodStart: now.AddDate(0, 0, -7), PeriodEnd: now, Content: "new", CreatedAt: now}
	for _, r := range []*news.Report{older, newer} {
		if err := s.PutReport(ctx, r); err != nil {
			t.Fatalf("PutReport: %v", err)
		}
	}

	got, err := s.ListReports(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "r-new" || got[1].ID != "r-old" {
		t.Fatalf("ListReports = %+v", got)
	}
	if got[0].Kind != news.ReportWeekly || got[0].Content != "new" || !got[0].PeriodEnd.Equal(now) {
		t.Errorf("report = %+v", got[0])
	}
}
