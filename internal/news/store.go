package news

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned when an insert hits an identifier uniqueness constraint.
var ErrDuplicate = errors.New("news: identifier already recorded")

// Store is the persistence interface for ledger, counters, flashes and reports.
type Store interface {
	// Begin opens a unit of work. A pipeline run holds exactly one.
	Begin(ctx context.Context) (Tx, error)

	// PendingInWindow returns unpushed flashes with IngestedAt in [from, to],
	// newest PublishedAt first.
	PendingInWindow(ctx context.Context, from, to time.Time) ([]*FlashRecord, error)

	// MarkPushed sets Pushed on every listed identifier in one atomic step.
	MarkPushed(ctx context.Context, identifiers []string) error

	ListFlashes(ctx context.Context, q FlashQuery) ([]*FlashRecord, error)
	Stats(ctx context.Context, day time.Time) (Stats, error)
	ScannedBetween(ctx context.Context, from, to time.Time) (int, error)

	PutReport(ctx context.Context, r *Report) error
	ListReports(ctx context.Context, limit int) ([]*Report, error)
}

// Tx is a unit of work. Begin on a Tx opens a nested unit (savepoint) whose
// Rollback discards only its own writes.
type Tx interface {
	// RecordIfNew inserts the ledger entry and increments the counter for
	// observedAt's day atomically. It reports false if the identifier is known.
	RecordIfNew(ctx context.Context, identifier string, observedAt time.Time) (bool, error)

	// InsertFlash stores a classified item. Returns ErrDuplicate on identifier conflict.
	InsertFlash(ctx context.Context, rec *FlashRecord) error

	MarkPushed(ctx context.Context, identifier string) error

	Begin(ctx context.Context) (Tx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// maxCounterAttempts bounds the get-or-create retry on the daily counter.
const maxCounterAttempts = 3

// CounterOps is the minimal surface a store exposes to IncrementCounter.
type CounterOps interface {
	// LoadCounter reports whether the row for day exists.
	LoadCounter(ctx context.Context, day time.Time) (bool, error)
	// CreateCounter inserts the row for day with a zero count. It returns
	// ErrDuplicate when another writer created it first.
	CreateCounter(ctx context.Context, day time.Time) error
	// BumpCounter adds one to the existing row for day.
	BumpCounter(ctx context.Context, day time.Time, at time.Time) error
}

// IncrementCounter runs the get-or-create-then-increment sequence shared by
// every store. A lost creation race re-fetches the row instead of failing.
func IncrementCounter(ctx context.Context, ops CounterOps, day, at time.Time) error {
	for attempt := 1; ; attempt++ {
		ok, err := ops.LoadCounter(ctx, day)
		if err != nil {
			return err
		}
		if ok {
			return ops.BumpCounter(ctx, day, at)
		}
		err = ops.CreateCounter(ctx, day)
		switch {
		case err == nil:
			return ops.BumpCounter(ctx, day, at)
		case errors.Is(err, ErrDuplicate) && attempt < maxCounterAttempts:
			continue
		default:
			return err
		}
	}
}
