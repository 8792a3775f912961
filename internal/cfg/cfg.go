package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/linnemanlabs/sentinel/internal/news"
	"github.com/linnemanlabs/sentinel/internal/schedule"
)

// Webhook transports understood by NotifyTransport.
const (
	TransportFeishu = "feishu"
	TransportSlack  = "slack"
)

// Config adds service-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string
	SQLitePath            string
	CrawlIntervalMinutes  int
	NotifyMode            string
	NotifyIntervalMinutes int
	NotifyTransport       string
	WebhookURL            string
	DailyReportAt         string
	WeeklyReportDay       string
	WeeklyReportAt        string
	TaxonomyFile          string
	SourcesFile           string
	Timezone              string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (used when database-url is empty; both empty = in-memory store)")
	fs.IntVar(&c.CrawlIntervalMinutes, "crawl-interval-minutes", 2, "minutes between crawl runs (1..1440)")
	fs.StringVar(&c.NotifyMode, "notify-mode", string(news.ModeRealtime), "notification mode: realtime or interval")
	fs.IntVar(&c.NotifyIntervalMinutes, "notify-interval-minutes", 60, "digest window in interval mode (1..1440)")
	fs.StringVar(&c.NotifyTransport, "notify-transport", TransportFeishu, "webhook flavour: feishu or slack")
	fs.StringVar(&c.WebhookURL, "webhook-url", "", "notification webhook URL (empty = log only)")
	fs.StringVar(&c.DailyReportAt, "daily-report-at", "09:00", "local time of the daily report (HH:MM, two-digit hour)")
	fs.StringVar(&c.WeeklyReportDay, "weekly-report-day", "monday", "weekday of the weekly report")
	fs.StringVar(&c.WeeklyReportAt, "weekly-report-at", "09:30", "local time of the weekly report (HH:MM)")
	fs.StringVar(&c.TaxonomyFile, "taxonomy-file", "", "YAML keyword taxonomy (empty = built-in)")
	fs.StringVar(&c.SourcesFile, "sources-file", "sources.yaml", "YAML news source definitions")
	fs.StringVar(&c.Timezone, "timezone", "", "IANA zone for schedules and reports (empty = process local)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}

	if c.CrawlIntervalMinutes <= 0 || c.CrawlIntervalMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid CRAWL_INTERVAL_MINUTES %d (must be 1..1440)", c.CrawlIntervalMinutes))
	}

	if _, err := news.ParseMode(c.NotifyMode); err != nil {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_MODE: %w", err))
	}
	if c.NotifyIntervalMinutes <= 0 || c.NotifyIntervalMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_INTERVAL_MINUTES %d (must be 1..1440)", c.NotifyIntervalMinutes))
	}
	if c.NotifyTransport != TransportFeishu && c.NotifyTransport != TransportSlack {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_TRANSPORT %q (must be feishu or slack)", c.NotifyTransport))
	}

	if _, _, err := schedule.ParseClock(c.DailyReportAt); err != nil {
		errs = append(errs, fmt.Errorf("invalid DAILY_REPORT_AT: %w", err))
	}
	if _, err := schedule.ParseWeekday(c.WeeklyReportDay); err != nil {
		errs = append(errs, fmt.Errorf("invalid WEEKLY_REPORT_DAY: %w", err))
	}
	if _, _, err := schedule.ParseClock(c.WeeklyReportAt); err != nil {
		errs = append(errs, fmt.Errorf("invalid WEEKLY_REPORT_AT: %w", err))
	}

	if c.SourcesFile == "" {
		errs = append(errs, errors.New("SOURCES_FILE is required"))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("invalid TIMEZONE: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// CrawlInterval is the fixed delay between crawl runs.
func (c *Config) CrawlInterval() time.Duration {
	return time.Duration(c.CrawlIntervalMinutes) * time.Minute
}

// NotifyInterval is the digest window in interval mode.
func (c *Config) NotifyInterval() time.Duration {
	return time.Duration(c.NotifyIntervalMinutes) * time.Minute
}

// Location resolves Timezone, defaulting to time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}
