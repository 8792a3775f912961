package news_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/news"
	"github.com/linnemanlabs/sentinel/internal/news/memstore"
)

func seedFlashes(t *testing.T, store news.Store, recs ...*news.FlashRecord) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if _, err := tx.RecordIfNew(ctx, r.Identifier, r.IngestedAt); err != nil {
			t.Fatal(err)
		}
		if err := tx.InsertFlash(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func pushedState(t *testing.T, store news.Store) map[string]bool {
	t.Helper()
	flashes, err := store.ListFlashes(context.Background(), news.FlashQuery{})
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]bool, len(flashes))
	for _, f := range flashes {
		out[f.Identifier] = f.Pushed
	}
	return out
}

func fivePending(now time.Time) []*news.FlashRecord {
	recs := make([]*news.FlashRecord, 0, 5)
	for i := range 5 {
		recs = append(recs, &news.FlashRecord{
			Source:      "s",
			Identifier:  fmt.Sprintf("p-%d", i),
			Title:       fmt.Sprintf("item %d", i),
			Tags:        []string{news.TagSecurity},
			PublishedAt: now.Add(-time.Duration(i) * time.Minute),
			IngestedAt:  now.Add(-time.Duration(i+1) * time.Minute),
		})
	}
	return recs
}

func TestDispatcher_IntervalPassSuccessMarksAll(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := memstore.New()
	seedFlashes(t, store, fivePending(now)...)

	transport := &recordingTransport{}
	d := news.NewDispatcher(store, transport, news.ModeInterval, time.Hour, log.Nop(), nil)
	d.SetNow(func() time.Time { return now })

	res, err := d.RunIntervalPass(context.Background())
	if err != nil {
		t.Fatalf("RunIntervalPass: %v", err)
	}
	if res.Selected != 5 || !res.Delivered {
		t.Errorf("res = %+v, want 5 delivered", res)
	}
	if transport.count() != 1 {
		t.Fatalf("sends = %d, want exactly one digest", transport.count())
	}
	if len(transport.msgs[0].Entries) != 5 {
		t.Errorf("digest entries = %d, want 5", len(transport.msgs[0].Entries))
	}
	for id, pushed := range pushedState(t, store) {
		if !pushed {
			t.Errorf("%s not marked pushed", id)
		}
	}
}

func TestDispatcher_IntervalPassFailureMarksNone(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := memstore.New()
	seedFlashes(t, store, fivePending(now)...)

	transport := &recordingTransport{err: errors.New("503")}
	d := news.NewDispatcher(store, transport, news.ModeInterval, time.Hour, log.Nop(), nil)
	d.SetNow(func() time.Time { return now })

	res, err := d.RunIntervalPass(context.Background())
	if err != nil {
		t.Fatalf("transport failure escaped as error: %v", err)
	}
	if res.Delivered {
		t.Error("Delivered = true on failed send")
	}
	for id, pushed := range pushedState(t, store) {
		if pushed {
			t.Errorf("%s marked pushed after failed delivery", id)
		}
	}

	// still inside the window: the next pass retries them
	transport.err = nil
	res, err = d.RunIntervalPass(context.Background())
	if err != nil || !res.Delivered || res.Selected != 5 {
		t.Errorf("retry pass = %+v, %v", res, err)
	}
}

func TestDispatcher_IntervalPassWindow(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := memstore.New()
	seedFlashes(t, store,
		&news.FlashRecord{Identifier: "inside", Title: "in", IngestedAt: now.Add(-10 * time.Minute), PublishedAt: now},
		&news.FlashRecord{Identifier: "stale", Title: "old", IngestedAt: now.Add(-2 * time.Hour), PublishedAt: now},
		&news.FlashRecord{Identifier: "done", Title: "pushed", IngestedAt: now.Add(-time.Minute), PublishedAt: now, Pushed: true},
	)

	transport := &recordingTransport{}
	d := news.NewDispatcher(store, transport, news.ModeInterval, time.Hour, log.Nop(), nil)
	d.SetNow(func() time.Time { return now })

	res, err := d.RunIntervalPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected != 1 {
		t.Errorf("Selected = %d, want 1", res.Selected)
	}
	state := pushedState(t, store)
	if !state["inside"] {
		t.Error("in-window record not pushed")
	}
	if state["stale"] {
		t.Error("out-of-window record was pushed")
	}

	// a later pass never picks up the stale record
	d.SetNow(func() time.Time { return now.Add(time.Hour) })
	res, err = d.RunIntervalPass(context.Background())
	if err != nil || res.Selected != 0 {
		t.Errorf("later pass = %+v, %v, want nothing selected", res, err)
	}
}

func TestDispatcher_IntervalPassEmptyIsNoop(t *testing.T) {
	t.Parallel()

	transport := &recordingTransport{}
	d := news.NewDispatcher(memstore.New(), transport, news.ModeInterval, time.Hour, log.Nop(), nil)

	res, err := d.RunIntervalPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected != 0 || res.Delivered {
		t.Errorf("res = %+v", res)
	}
	if transport.count() != 0 {
		t.Errorf("sends = %d, want 0", transport.count())
	}
}

func TestDispatcher_PushOne(t *testing.T) {
	t.Parallel()

	rec := &news.FlashRecord{Identifier: "x", Title: "t", Body: "b", URL: "https://x", Tags: []string{news.TagSecurity, news.TagMacro}}

	tests := []struct {
		name      string
		transport news.Transport
		want      bool
	}{
		{"accepted", &recordingTransport{}, true},
		{"rejected", &recordingTransport{err: errors.New("code 9499")}, false},
		{"not configured", news.LogTransport{}, false},
		{"nil transport logs only", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := news.NewDispatcher(memstore.New(), tt.transport, news.ModeRealtime, 0, nil, nil)
			if got := d.PushOne(context.Background(), rec); got != tt.want {
				t.Errorf("PushOne = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatcher_AlertPayload(t *testing.T) {
	t.Parallel()

	transport := &recordingTransport{}
	d := news.NewDispatcher(memstore.New(), transport, news.ModeRealtime, 0, nil, nil)
	at := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	d.PushOne(context.Background(), &news.FlashRecord{
		Title: "title", Body: "full body", URL: "https://u", Tags: []string{news.TagCompliance}, PublishedAt: at,
	})

	if transport.count() != 1 {
		t.Fatal("no message sent")
	}
	msg := transport.msgs[0]
	if msg.Kind != news.KindAlert || msg.Title != "title" || msg.Body != "full body" || msg.Link != "https://u" || !msg.At.Equal(at) {
		t.Errorf("msg = %+v", msg)
	}
}

func TestNewDispatcher_Panics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func()
	}{
		{"nil store", func() { news.NewDispatcher(nil, nil, news.ModeRealtime, 0, nil, nil) }},
		{"interval without duration", func() { news.NewDispatcher(memstore.New(), nil, news.ModeInterval, 0, nil, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if r := recover(); r == nil {
					t.Fatal("expected panic")
				}
			}()
			tt.fn()
		})
	}
}
