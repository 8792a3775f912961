package news

import (
	"strings"
	"time"
)

// Tags emitted by the default taxonomy.
const (
	TagSecurity   = "安全"
	TagCompliance = "合规"
	TagMacro      = "宏观"
)

// RawItem is a single news item as produced by a Source. Immutable once produced.
type RawItem struct {
	Source      string    `json:"source"`
	Identifier  string    `json:"identifier"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

// ScanRecord is a ledger entry. One per distinct identifier, never updated.
type ScanRecord struct {
	Identifier string    `json:"identifier"`
	ObservedAt time.Time `json:"observed_at"`
}

// DailyCounter counts every ledger insertion for one calendar day.
type DailyCounter struct {
	Day          time.Time `json:"day"`
	ScannedCount int       `json:"scanned_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FlashRecord is a risk-tagged item. Pushed moves from false to true once.
type FlashRecord struct {
	Source      string    `json:"source"`
	Identifier  string    `json:"identifier"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Tags        []string  `json:"tags"`
	IngestedAt  time.Time `json:"ingested_at"`
	Pushed      bool      `json:"pushed"`
}

// JoinedTags returns the tags in storage form.
func (f *FlashRecord) JoinedTags() string {
	return JoinTags(f.Tags)
}

// JoinTags joins tags with commas, preserving order.
func JoinTags(tags []string) string {
	return strings.Join(tags, ",")
}

// SplitTags is the inverse of JoinTags. An empty string yields no tags.
func SplitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// ReportKind identifies the period a report covers.
type ReportKind string

const (
	// ReportDaily covers one calendar day
	ReportDaily ReportKind = "daily"

	// ReportWeekly covers seven calendar days
	ReportWeekly ReportKind = "weekly"
)

// Report is a persisted period report.
type Report struct {
	ID          string     `json:"id"`
	Kind        ReportKind `json:"kind"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Stats is the dashboard aggregate for one day plus all-time totals.
type Stats struct {
	Day          time.Time `json:"day"`
	TodayScanned int       `json:"today_scanned"`
	TodayRisks   int       `json:"today_risks"`
	TotalScanned int       `json:"total_scanned"`
	TotalRisks   int       `json:"total_risks"`
}

// FlashQuery filters ListFlashes. Zero bounds are open.
type FlashQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

// DayOf truncates t to local midnight in t's location.
func DayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
