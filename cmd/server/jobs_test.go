package main

import (
	"context"
	"errors"
	"testing"
	"time"

	vc "github.com/linnemanlabs/sentinel/internal/cfg"
	"github.com/linnemanlabs/sentinel/internal/news"
	"github.com/linnemanlabs/sentinel/internal/notify/feishu"
	"github.com/linnemanlabs/sentinel/internal/notify/slack"
	"github.com/linnemanlabs/sentinel/internal/schedule"
)

type fakeCrawler struct{ calls int }

func (f *fakeCrawler) Run(context.Context) (news.RunStats, error) {
	f.calls++
	return news.RunStats{}, nil
}

type fakeDigester struct{ err error }

func (f *fakeDigester) RunIntervalPass(context.Context) (news.DigestResult, error) {
	return news.DigestResult{}, f.err
}

type fakeReporter struct{ daily, weekly int }

func (f *fakeReporter) Daily(context.Context) error  { f.daily++; return nil }
func (f *fakeReporter) Weekly(context.Context) error { f.weekly++; return nil }

func testConfig() *vc.Config {
	return &vc.Config{
		CrawlIntervalMinutes:  2,
		NotifyIntervalMinutes: 60,
		DailyReportAt:         "09:00",
		WeeklyReportDay:       "monday",
		WeeklyReportAt:        "09:30",
	}
}

func jobIDs(jobs []schedule.Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func TestBuildJobs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mode news.Mode
		want []string
	}{
		{"realtime", news.ModeRealtime, []string{jobCrawl, jobDailyReport, jobWeeklyReport}},
		{"interval", news.ModeInterval, []string{jobCrawl, jobIntervalSummary, jobDailyReport, jobWeeklyReport}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			jobs, err := buildJobs(testConfig(), tt.mode, &fakeCrawler{}, &fakeDigester{}, &fakeReporter{})
			if err != nil {
				t.Fatalf("buildJobs: %v", err)
			}
			got := jobIDs(jobs)
			if len(got) != len(tt.want) {
				t.Fatalf("jobs = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("jobs = %v, want %v", got, tt.want)
					break
				}
			}
			if _, err := schedule.New(jobs, time.UTC, nil, schedule.Hooks{}); err != nil {
				t.Errorf("job table rejected by scheduler: %v", err)
			}
		})
	}
}

func TestBuildJobs_Triggers(t *testing.T) {
	t.Parallel()

	jobs, err := buildJobs(testConfig(), news.ModeInterval, &fakeCrawler{}, &fakeDigester{}, &fakeReporter{})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]schedule.Trigger{
		jobCrawl:           schedule.Every(2*time.Minute, true),
		jobIntervalSummary: schedule.Every(time.Hour, false),
		jobDailyReport:     schedule.DailyAt(9, 0),
		jobWeeklyReport:    schedule.WeeklyAt(time.Monday, 9, 30),
	}
	for _, j := range jobs {
		if j.Trigger != want[j.ID] {
			t.Errorf("%s trigger = %v, want %v", j.ID, j.Trigger, want[j.ID])
		}
	}
}

func TestBuildJobs_RunDelegates(t *testing.T) {
	t.Parallel()

	c := &fakeCrawler{}
	d := &fakeDigester{err: errors.New("store down")}
	r := &fakeReporter{}
	jobs, err := buildJobs(testConfig(), news.ModeInterval, c, d, r)
	if err != nil {
		t.Fatal(err)
	}

	byID := map[string]schedule.Job{}
	for _, j := range jobs {
		byID[j.ID] = j
	}
	ctx := context.Background()
	if err := byID[jobCrawl].Run(ctx); err != nil || c.calls != 1 {
		t.Errorf("crawl: err = %v, calls = %d", err, c.calls)
	}
	if err := byID[jobIntervalSummary].Run(ctx); err == nil {
		t.Error("interval summary swallowed the store error")
	}
	_ = byID[jobDailyReport].Run(ctx)
	_ = byID[jobWeeklyReport].Run(ctx)
	if r.daily != 1 || r.weekly != 1 {
		t.Errorf("reports daily=%d weekly=%d, want 1/1", r.daily, r.weekly)
	}
}

func TestBuildJobs_InvalidSchedule(t *testing.T) {
	t.Parallel()

	c := testConfig()
	c.WeeklyReportDay = "someday"
	if _, err := buildJobs(c, news.ModeRealtime, &fakeCrawler{}, &fakeDigester{}, &fakeReporter{}); err == nil {
		t.Error("buildJobs with bad weekday = nil error")
	}
}

func TestNewTransport(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		url       string
		transport string
		wantName  string
		check     func(news.Transport) bool
	}{
		{"no url", "", vc.TransportSlack, "log", func(tr news.Transport) bool { _, ok := tr.(news.LogTransport); return ok }},
		{"slack", "https://hooks.example.com", vc.TransportSlack, "slack", func(tr news.Transport) bool { _, ok := tr.(*slack.Notifier); return ok }},
		{"feishu", "https://open.feishu.example.com", vc.TransportFeishu, "feishu", func(tr news.Transport) bool { _, ok := tr.(*feishu.Notifier); return ok }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, name := newTransport(&vc.Config{WebhookURL: tt.url, NotifyTransport: tt.transport})
			if name != tt.wantName || !tt.check(tr) {
				t.Errorf("newTransport = (%T, %q), want %q", tr, name, tt.wantName)
			}
		})
	}
}
