// Package sqlitestore provides a single-file SQLite implementation of news.Store.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/linnemanlabs/sentinel/internal/news"
)

const (
	dayLayout          = "2006-01-02"
	defaultReportLimit = 50
	flashColumns       = `identifier, source, title, body, url, published_at, tags, ingested_at, pushed`
)

// Store persists news state in a SQLite file.
type Store struct {
	db *sql.DB
}

// busyTimeoutMillis must exceed a realtime crawl run, which holds the write lock across webhook calls.
const busyTimeoutMillis = 60000

// Open opens (creating if needed) the database at path and applies migrations.
// Transactions take the write lock at BEGIN so concurrent writers queue on
// busy_timeout instead of failing on lock upgrade.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate", path, busyTimeoutMillis)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(4)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scan_records (
			identifier TEXT PRIMARY KEY,
			observed_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS daily_stats (
			day TEXT PRIMARY KEY,
			scanned_count INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS news_flashes (
			identifier TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			published_at INTEGER NOT NULL,
			tags TEXT NOT NULL,
			ingested_at INTEGER NOT NULL,
			pushed INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_news_flashes_ingested ON news_flashes(ingested_at);`,
		`CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			period_start INTEGER NOT NULL,
			period_end INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Timestamps are stored as unix milliseconds so they sort numerically.
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// Begin opens the run-scoped transaction.
func (s *Store) Begin(ctx context.Context) (news.Tx, error) {
	t, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &tx{tx: t, seq: new(int)}, nil
}

// PendingInWindow returns unpushed flashes ingested within [from, to], newest publish first.
func (s *Store) PendingInWindow(ctx context.Context, from, to time.Time) ([]*news.FlashRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+flashColumns+` FROM news_flashes
		WHERE pushed = 0 AND ingested_at >= ? AND ingested_at <= ?
		ORDER BY published_at DESC`, toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	return collectFlashes(rows)
}

// MarkPushed flips pushed for all identifiers in one transaction.
func (s *Store) MarkPushed(ctx context.Context, identifiers []string) error {
	if len(identifiers) == 0 {
		return nil
	}
	t, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer t.Rollback() //nolint:errcheck // rollback after commit is harmless

	for _, id := range identifiers {
		if _, err := t.ExecContext(ctx, `UPDATE news_flashes SET pushed = 1 WHERE identifier = ?`, id); err != nil {
			return fmt.Errorf("mark pushed %s: %w", id, err)
		}
	}
	if err := t.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListFlashes returns flashes newest-ingested first.
func (s *Store) ListFlashes(ctx context.Context, q news.FlashQuery) ([]*news.FlashRecord, error) {
	query := `SELECT ` + flashColumns + ` FROM news_flashes WHERE 1 = 1`
	var args []any
	if !q.From.IsZero() {
		query += ` AND ingested_at >= ?`
		args = append(args, toMillis(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND ingested_at < ?`
		args = append(args, toMillis(q.To))
	}
	query += ` ORDER BY ingested_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query flashes: %w", err)
	}
	return collectFlashes(rows)
}

// Stats aggregates counters and flashes for day and all time.
func (s *Store) Stats(ctx context.Context, day time.Time) (news.Stats, error) {
	day = news.DayOf(day)
	st := news.Stats{Day: day}
	err := s.db.QueryRowContext(ctx, `SELECT
		COALESCE((SELECT scanned_count FROM daily_stats WHERE day = ?), 0),
		(SELECT count(*) FROM news_flashes WHERE ingested_at >= ? AND ingested_at < ?),
		COALESCE((SELECT sum(scanned_count) FROM daily_stats), 0),
		(SELECT count(*) FROM news_flashes)`,
		day.Format(dayLayout), toMillis(day), toMillis(day.AddDate(0, 0, 1)),
	).Scan(&st.TodayScanned, &st.TodayRisks, &st.TotalScanned, &st.TotalRisks)
	if err != nil {
		return news.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

// ScannedBetween sums counters for days in [from, to).
func (s *Store) ScannedBetween(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(sum(scanned_count), 0) FROM daily_stats WHERE day >= ? AND day < ?`,
		news.DayOf(from).Format(dayLayout), news.DayOf(to).Format(dayLayout)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query scanned: %w", err)
	}
	return n, nil
}

// PutReport inserts a report.
func (s *Store) PutReport(ctx context.Context, r *news.Report) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO reports (id, kind, period_start, period_end, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), toMillis(r.PeriodStart), toMillis(r.PeriodEnd), r.Content, toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// ListReports returns reports newest first.
func (s *Store) ListReports(ctx context.Context, limit int) ([]*news.Report, error) {
	if limit <= 0 {
		limit = defaultReportLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, period_start, period_end, content, created_at
		FROM reports ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*news.Report
	for rows.Next() {
		var (
			r                   news.Report
			kind                string
			start, end, created int64
		)
		if err := rows.Scan(&r.ID, &kind, &start, &end, &r.Content, &created); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.Kind = news.ReportKind(kind)
		r.PeriodStart, r.PeriodEnd, r.CreatedAt = fromMillis(start), fromMillis(end), fromMillis(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func collectFlashes(rows *sql.Rows) ([]*news.FlashRecord, error) {
	defer func() { _ = rows.Close() }()

	var out []*news.FlashRecord
	for rows.Next() {
		var (
			f                   news.FlashRecord
			tags                string
			published, ingested int64
			pushed              int
		)
		if err := rows.Scan(&f.Identifier, &f.Source, &f.Title, &f.Body, &f.URL,
			&published, &tags, &ingested, &pushed); err != nil {
			return nil, fmt.Errorf("scan flash: %w", err)
		}
		f.PublishedAt, f.IngestedAt = fromMillis(published), fromMillis(ingested)
		f.Tags = news.SplitTags(tags)
		f.Pushed = pushed != 0
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flashes: %w", err)
	}
	return out, nil
}

// tx wraps sql.Tx. Nested units are named savepoints; seq is shared by the
// whole tree so names stay unique.
type tx struct {
	tx        *sql.Tx
	savepoint string
	seq       *int
	done      bool
}

func (t *tx) RecordIfNew(ctx context.Context, identifier string, observedAt time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `INSERT INTO scan_records (identifier, observed_at) VALUES (?, ?)
		ON CONFLICT (identifier) DO NOTHING`, identifier, toMillis(observedAt))
	if err != nil {
		return false, fmt.Errorf("insert scan record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("insert scan record: %w", err)
	} else if n == 0 {
		return false, nil
	}
	if err := news.IncrementCounter(ctx, t, news.DayOf(observedAt), observedAt); err != nil {
		return false, fmt.Errorf("increment daily counter: %w", err)
	}
	return true, nil
}

// LoadCounter implements news.CounterOps.
func (t *tx) LoadCounter(ctx context.Context, day time.Time) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM daily_stats WHERE day = ?`, day.Format(dayLayout)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load counter: %w", err)
	}
	return true, nil
}

// CreateCounter implements news.CounterOps.
func (t *tx) CreateCounter(ctx context.Context, day time.Time) error {
	res, err := t.tx.ExecContext(ctx, `INSERT INTO daily_stats (day, scanned_count, updated_at) VALUES (?, 0, ?)
		ON CONFLICT (day) DO NOTHING`, day.Format(dayLayout), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("create counter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return news.ErrDuplicate
	}
	return nil
}

// BumpCounter implements news.CounterOps.
func (t *tx) BumpCounter(ctx context.Context, day, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE daily_stats SET scanned_count = scanned_count + 1, updated_at = ? WHERE day = ?`,
		toMillis(at), day.Format(dayLayout))
	if err != nil {
		return fmt.Errorf("bump counter: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("bump counter: no row for %s", day.Format(dayLayout))
	}
	return nil
}

func (t *tx) InsertFlash(ctx context.Context, rec *news.FlashRecord) error {
	pushed := 0
	if rec.Pushed {
		pushed = 1
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO news_flashes (`+flashColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identifier) DO NOTHING`,
		rec.Identifier, rec.Source, rec.Title, rec.Body, rec.URL,
		toMillis(rec.PublishedAt), rec.JoinedTags(), toMillis(rec.IngestedAt), pushed)
	if err != nil {
		return fmt.Errorf("insert flash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return news.ErrDuplicate
	}
	return nil
}

func (t *tx) MarkPushed(ctx context.Context, identifier string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE news_flashes SET pushed = 1 WHERE identifier = ?`, identifier)
	if err != nil {
		return fmt.Errorf("mark pushed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark pushed: flash %s not found", identifier)
	}
	return nil
}

func (t *tx) Begin(ctx context.Context) (news.Tx, error) {
	*t.seq++
	name := fmt.Sprintf("sp_%d", *t.seq)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	return &tx{tx: t.tx, savepoint: name, seq: t.seq}, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	if t.savepoint == "" {
		return t.tx.Commit()
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint)
	return err
}

// Rollback discards the unit. Rollback after Commit is harmless.
func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.savepoint == "" {
		return t.tx.Rollback()
	}
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint)
	return err
}
