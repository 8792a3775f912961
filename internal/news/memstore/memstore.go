// Package memstore provides an in-memory implementation of news.Store.
package memstore

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/sentinel/internal/news"
)

var errTxDone = errors.New("memstore: transaction already finished")

const dayLayout = "2006-01-02"

// layer holds one level of writes. The store's committed state is the base layer.
type layer struct {
	ledger   map[string]time.Time
	counters map[string]news.DailyCounter
	flashes  map[string]news.FlashRecord
	order    []string // flash identifiers in insertion order
}

func newLayer() *layer {
	return &layer{
		ledger:   make(map[string]time.Time),
		counters: make(map[string]news.DailyCounter),
		flashes:  make(map[string]news.FlashRecord),
	}
}

// merge applies child's writes on top of l.
func (l *layer) merge(child *layer) {
	for id, at := range child.ledger {
		if _, ok := l.ledger[id]; !ok {
			l.ledger[id] = at
		}
	}
	for k, c := range child.counters {
		l.counters[k] = c
	}
	for _, id := range child.order {
		if _, ok := l.flashes[id]; !ok {
			l.order = append(l.order, id)
		}
	}
	for id, f := range child.flashes {
		l.flashes[id] = f
	}
}

// Store holds ledger, counters, flashes and reports in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	base    *layer
	reports []news.Report
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{base: newLayer()}
}

// Begin opens a top-level unit of work.
func (s *Store) Begin(_ context.Context) (news.Tx, error) {
	return &tx{store: s, layer: newLayer()}, nil
}

// PendingInWindow returns unpushed flashes ingested within [from, to], newest publish first.
func (s *Store) PendingInWindow(_ context.Context, from, to time.Time) ([]*news.FlashRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*news.FlashRecord
	for _, id := range s.base.order {
		f := s.base.flashes[id]
		if f.Pushed || f.IngestedAt.Before(from) || f.IngestedAt.After(to) {
			continue
		}
		out = append(out, copyFlash(f))
	}
	slices.SortStableFunc(out, func(a, b *news.FlashRecord) int {
		return b.PublishedAt.Compare(a.PublishedAt)
	})
	return out, nil
}

// MarkPushed sets Pushed on every listed identifier under one lock.
func (s *Store) MarkPushed(_ context.Context, identifiers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range identifiers {
		if f, ok := s.base.flashes[id]; ok {
			f.Pushed = true
			s.base.flashes[id] = f
		}
	}
	return nil
}

// ListFlashes returns flashes newest-ingested first. Returns copies.
func (s *Store) ListFlashes(_ context.Context, q news.FlashQuery) ([]*news.FlashRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*news.FlashRecord, 0, len(s.base.order))
	for i := len(s.base.order) - 1; i >= 0; i-- {
		f := s.base.flashes[s.base.order[i]]
		if !q.From.IsZero() && f.IngestedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !f.IngestedAt.Before(q.To) {
			continue
		}
		out = append(out, copyFlash(f))
	}
	slices.SortStableFunc(out, func(a, b *news.FlashRecord) int {
		return b.IngestedAt.Compare(a.IngestedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Stats aggregates counters and flashes for day and all time.
func (s *Store) Stats(_ context.Context, day time.Time) (news.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day = news.DayOf(day)
	st := news.Stats{Day: day}
	key := day.Format(dayLayout)
	for k, c := range s.base.counters {
		st.TotalScanned += c.ScannedCount
		if k == key {
			st.TodayScanned = c.ScannedCount
		}
	}
	for _, f := range s.base.flashes {
		st.TotalRisks++
		if news.DayOf(f.IngestedAt.In(day.Location())).Equal(day) {
			st.TodayRisks++
		}
	}
	return st, nil
}

// ScannedBetween sums counters for days in [from, to).
func (s *Store) ScannedBetween(_ context.Context, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, c := range s.base.counters {
		if !c.Day.Before(news.DayOf(from)) && c.Day.Before(to) {
			total += c.ScannedCount
		}
	}
	return total, nil
}

// PutReport stores a copy of the report.
func (s *Store) PutReport(_ context.Context, r *news.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, *r)
	return nil
}

// ListReports returns reports newest first. Returns copies.
func (s *Store) ListReports(_ context.Context, limit int) ([]*news.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*news.Report, 0, len(s.reports))
	for i := len(s.reports) - 1; i >= 0; i-- {
		r := s.reports[i]
		out = append(out, &r)
	}
	slices.SortStableFunc(out, func(a, b *news.Report) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Counter returns the committed counter for day, for tests and diagnostics.
func (s *Store) Counter(day time.Time) (news.DailyCounter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.base.counters[news.DayOf(day).Format(dayLayout)]
	return c, ok
}

// LedgerSize returns the number of committed ledger entries.
func (s *Store) LedgerSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.base.ledger)
}

func copyFlash(f news.FlashRecord) *news.FlashRecord {
	f.Tags = slices.Clone(f.Tags)
	return &f
}

// tx is a unit of work. A nil parent means it commits into the store.
type tx struct {
	store  *Store
	parent *tx
	layer  *layer
	done   bool
}

// lookup walks this tx, its parents, then the committed base.
func (t *tx) lookup(fn func(*layer) bool) bool {
	for cur := t; cur != nil; cur = cur.parent {
		if fn(cur.layer) {
			return true
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return fn(t.store.base)
}

func (t *tx) RecordIfNew(ctx context.Context, identifier string, observedAt time.Time) (bool, error) {
	if t.done {
		return false, errTxDone
	}
	if t.lookup(func(l *layer) bool { _, ok := l.ledger[identifier]; return ok }) {
		return false, nil
	}
	t.layer.ledger[identifier] = observedAt
	if err := news.IncrementCounter(ctx, t, news.DayOf(observedAt), observedAt); err != nil {
		delete(t.layer.ledger, identifier)
		return false, err
	}
	return true, nil
}

func (t *tx) findCounter(key string) (news.DailyCounter, bool) {
	var found news.DailyCounter
	ok := t.lookup(func(l *layer) bool {
		c, ok := l.counters[key]
		if ok {
			found = c
		}
		return ok
	})
	return found, ok
}

// LoadCounter implements news.CounterOps.
func (t *tx) LoadCounter(_ context.Context, day time.Time) (bool, error) {
	_, ok := t.findCounter(day.Format(dayLayout))
	return ok, nil
}

// CreateCounter implements news.CounterOps.
func (t *tx) CreateCounter(_ context.Context, day time.Time) error {
	key := day.Format(dayLayout)
	if _, ok := t.findCounter(key); ok {
		return news.ErrDuplicate
	}
	t.layer.counters[key] = news.DailyCounter{Day: day}
	return nil
}

// BumpCounter implements news.CounterOps.
func (t *tx) BumpCounter(_ context.Context, day, at time.Time) error {
	key := day.Format(dayLayout)
	c, ok := t.findCounter(key)
	if !ok {
		return errors.New("memstore: counter row missing")
	}
	c.ScannedCount++
	c.UpdatedAt = at
	t.layer.counters[key] = c
	return nil
}

func (t *tx) InsertFlash(_ context.Context, rec *news.FlashRecord) error {
	if t.done {
		return errTxDone
	}
	if t.lookup(func(l *layer) bool { _, ok := l.flashes[rec.Identifier]; return ok }) {
		return news.ErrDuplicate
	}
	cp := *rec
	cp.Tags = slices.Clone(rec.Tags)
	t.layer.flashes[rec.Identifier] = cp
	t.layer.order = append(t.layer.order, rec.Identifier)
	return nil
}

func (t *tx) MarkPushed(_ context.Context, identifier string) error {
	if t.done {
		return errTxDone
	}
	var found news.FlashRecord
	if !t.lookup(func(l *layer) bool {
		f, ok := l.flashes[identifier]
		if ok {
			found = f
		}
		return ok
	}) {
		return errors.New("memstore: flash not found: " + identifier)
	}
	found.Pushed = true
	t.layer.flashes[identifier] = found
	return nil
}

func (t *tx) Begin(_ context.Context) (news.Tx, error) {
	if t.done {
		return nil, errTxDone
	}
	return &tx{store: t.store, parent: t, layer: newLayer()}, nil
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	if t.parent != nil {
		t.parent.layer.merge(t.layer)
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.base.merge(t.layer)
	return nil
}

// Rollback discards this unit's writes. Rollback after Commit is a no-op.
func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.layer = newLayer()
	return nil
}
