// Package pgstore provides a PostgreSQL implementation of news.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinel/internal/news"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/news/pgstore")

//go:embed schema.sql
var schema string

const (
	dayLayout          = "2006-01-02"
	pgUniqueViolation  = "23505"
	flashColumns       = `identifier, source, title, body, url, published_at, tags, ingested_at, pushed`
	reportColumns      = `id, kind, period_start, period_end, content, created_at`
	defaultReportLimit = 50
)

// Store persists news state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Begin opens the run-scoped transaction.
func (s *Store) Begin(ctx context.Context) (news.Tx, error) {
	ctx, span := startSpan(ctx, "pgstore.Begin", "BEGIN")
	defer span.End()

	t, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	return &tx{tx: t}, nil
}

// PendingInWindow returns unpushed flashes ingested within [from, to], newest publish first.
func (s *Store) PendingInWindow(ctx context.Context, from, to time.Time) ([]*news.FlashRecord, error) {
	ctx, span := startSpan(ctx, "pgstore.PendingInWindow", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+flashColumns+` FROM news_flashes
		WHERE NOT pushed AND ingested_at >= $1 AND ingested_at <= $2
		ORDER BY published_at DESC`, from, to)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query pending: %w", err))
	}
	out, err := collectFlashes(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// MarkPushed flips pushed for all identifiers in one statement.
func (s *Store) MarkPushed(ctx context.Context, identifiers []string) error {
	ctx, span := startSpan(ctx, "pgstore.MarkPushed", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.Int("sentinel.flash.count", len(identifiers)))

	if len(identifiers) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `UPDATE news_flashes SET pushed = TRUE WHERE identifier = ANY($1)`, identifiers); err != nil {
		return fail(span, fmt.Errorf("mark pushed: %w", err))
	}
	return nil
}

// ListFlashes returns flashes newest-ingested first.
func (s *Store) ListFlashes(ctx context.Context, q news.FlashQuery) ([]*news.FlashRecord, error) {
	ctx, span := startSpan(ctx, "pgstore.ListFlashes", "SELECT")
	defer span.End()

	var from, to *time.Time
	if !q.From.IsZero() {
		from = &q.From
	}
	if !q.To.IsZero() {
		to = &q.To
	}
	var limit *int
	if q.Limit > 0 {
		limit = &q.Limit
	}

	rows, err := s.pool.Query(ctx, `SELECT `+flashColumns+` FROM news_flashes
		WHERE ($1::timestamptz IS NULL OR ingested_at >= $1)
		  AND ($2::timestamptz IS NULL OR ingested_at < $2)
		ORDER BY ingested_at DESC
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query flashes: %w", err))
	}
	out, err := collectFlashes(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// Stats aggregates counters and flashes for day and all time.
func (s *Store) Stats(ctx context.Context, day time.Time) (news.Stats, error) {
	ctx, span := startSpan(ctx, "pgstore.Stats", "SELECT")
	defer span.End()

	day = news.DayOf(day)
	var todayScanned, todayRisks, totalScanned, totalRisks int64
	err := s.pool.QueryRow(ctx, `SELECT
		COALESCE((SELECT scanned_count FROM daily_stats WHERE day = $1::date), 0),
		(SELECT count(*) FROM news_flashes WHERE ingested_at >= $2 AND ingested_at < $3),
		COALESCE((SELECT sum(scanned_count) FROM daily_stats), 0),
		(SELECT count(*) FROM news_flashes)`,
		day.Format(dayLayout), day, day.AddDate(0, 0, 1),
	).Scan(&todayScanned, &todayRisks, &totalScanned, &totalRisks)
	if err != nil {
		return news.Stats{}, fail(span, fmt.Errorf("query stats: %w", err))
	}
	return news.Stats{
		Day:          day,
		TodayScanned: int(todayScanned),
		TodayRisks:   int(todayRisks),
		TotalScanned: int(totalScanned),
		TotalRisks:   int(totalRisks),
	}, nil
}

// ScannedBetween sums counters for days in [from, to).
func (s *Store) ScannedBetween(ctx context.Context, from, to time.Time) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.ScannedBetween", "SELECT")
	defer span.End()

	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(sum(scanned_count), 0) FROM daily_stats
		WHERE day >= $1::date AND day < $2::date`,
		news.DayOf(from).Format(dayLayout), news.DayOf(to).Format(dayLayout),
	).Scan(&n)
	if err != nil {
		return 0, fail(span, fmt.Errorf("query scanned: %w", err))
	}
	return int(n), nil
}

// PutReport inserts a report.
func (s *Store) PutReport(ctx context.Context, r *news.Report) error {
	ctx, span := startSpan(ctx, "pgstore.PutReport", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO reports (`+reportColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, string(r.Kind), r.PeriodStart, r.PeriodEnd, r.Content, r.CreatedAt)
	if err != nil {
		return fail(span, fmt.Errorf("insert report: %w", err))
	}
	return nil
}

// ListReports returns reports newest first.
func (s *Store) ListReports(ctx context.Context, limit int) ([]*news.Report, error) {
	ctx, span := startSpan(ctx, "pgstore.ListReports", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = defaultReportLimit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+reportColumns+` FROM reports ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query reports: %w", err))
	}
	defer rows.Close()

	var out []*news.Report
	for rows.Next() {
		var (
			r    news.Report
			kind string
		)
		if err := rows.Scan(&r.ID, &kind, &r.PeriodStart, &r.PeriodEnd, &r.Content, &r.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan report: %w", err))
		}
		r.Kind = news.ReportKind(kind)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate reports: %w", err))
	}
	return out, nil
}

func collectFlashes(rows pgx.Rows) ([]*news.FlashRecord, error) {
	defer rows.Close()

	var out []*news.FlashRecord
	for rows.Next() {
		var (
			f    news.FlashRecord
			tags string
		)
		if err := rows.Scan(&f.Identifier, &f.Source, &f.Title, &f.Body, &f.URL,
			&f.PublishedAt, &tags, &f.IngestedAt, &f.Pushed); err != nil {
			return nil, fmt.Errorf("scan flash: %w", err)
		}
		f.Tags = news.SplitTags(tags)
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flashes: %w", err)
	}
	return out, nil
}

// tx adapts pgx.Tx. Nested units are pgx savepoints.
type tx struct {
	tx pgx.Tx
}

func (t *tx) RecordIfNew(ctx context.Context, identifier string, observedAt time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.RecordIfNew", "INSERT")
	defer span.End()

	tag, err := t.tx.Exec(ctx, `INSERT INTO scan_records (identifier, observed_at) VALUES ($1, $2)
		ON CONFLICT (identifier) DO NOTHING`, identifier, observedAt)
	if err != nil {
		return false, fail(span, fmt.Errorf("insert scan record: %w", err))
	}
	if tag.RowsAffected() == 0 {
		span.SetAttributes(attribute.Bool("sentinel.ledger.new", false))
		return false, nil
	}
	if err := news.IncrementCounter(ctx, counterOps{tx: t.tx}, news.DayOf(observedAt), observedAt); err != nil {
		return false, fail(span, fmt.Errorf("increment daily counter: %w", err))
	}
	span.SetAttributes(attribute.Bool("sentinel.ledger.new", true))
	return true, nil
}

func (t *tx) InsertFlash(ctx context.Context, rec *news.FlashRecord) error {
	ctx, span := startSpan(ctx, "pgstore.InsertFlash", "INSERT")
	defer span.End()

	tag, err := t.tx.Exec(ctx, `INSERT INTO news_flashes (`+flashColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (identifier) DO NOTHING`,
		rec.Identifier, rec.Source, rec.Title, rec.Body, rec.URL,
		rec.PublishedAt, rec.JoinedTags(), rec.IngestedAt, rec.Pushed)
	if err != nil {
		if isUniqueViolation(err) {
			return news.ErrDuplicate
		}
		return fail(span, fmt.Errorf("insert flash: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return news.ErrDuplicate
	}
	return nil
}

func (t *tx) MarkPushed(ctx context.Context, identifier string) error {
	ctx, span := startSpan(ctx, "pgstore.Tx.MarkPushed", "UPDATE")
	defer span.End()

	tag, err := t.tx.Exec(ctx, `UPDATE news_flashes SET pushed = TRUE WHERE identifier = $1`, identifier)
	if err != nil {
		return fail(span, fmt.Errorf("mark pushed: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("mark pushed: flash %s not found", identifier))
	}
	return nil
}

func (t *tx) Begin(ctx context.Context) (news.Tx, error) {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	return &tx{tx: sp}, nil
}

func (t *tx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

// Rollback discards the unit. Rollback after Commit is harmless.
func (t *tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// counterOps runs the daily counter get-or-create on a transaction. Creation
// happens in its own savepoint so a lost race leaves the transaction usable.
type counterOps struct {
	tx pgx.Tx
}

func (c counterOps) LoadCounter(ctx context.Context, day time.Time) (bool, error) {
	var one int
	err := c.tx.QueryRow(ctx, `SELECT 1 FROM daily_stats WHERE day = $1::date`, day.Format(dayLayout)).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load counter: %w", err)
	}
	return true, nil
}

func (c counterOps) CreateCounter(ctx context.Context, day time.Time) error {
	sp, err := c.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("counter savepoint: %w", err)
	}
	_, err = sp.Exec(ctx, `INSERT INTO daily_stats (day, scanned_count, updated_at) VALUES ($1::date, 0, now())`,
		day.Format(dayLayout))
	if err != nil {
		_ = sp.Rollback(ctx)
		if isUniqueViolation(err) {
			return news.ErrDuplicate
		}
		return fmt.Errorf("create counter: %w", err)
	}
	return sp.Commit(ctx)
}

func (c counterOps) BumpCounter(ctx context.Context, day, at time.Time) error {
	tag, err := c.tx.Exec(ctx, `UPDATE daily_stats SET scanned_count = scanned_count + 1, updated_at = $2
		WHERE day = $1::date`, day.Format(dayLayout), at)
	if err != nil {
		return fmt.Errorf("bump counter: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("bump counter: no row for %s", day.Format(dayLayout))
	}
	return nil
}
