package main

import (
	"context"

	vc "github.com/linnemanlabs/sentinel/internal/cfg"
	"github.com/linnemanlabs/sentinel/internal/news"
	"github.com/linnemanlabs/sentinel/internal/notify/feishu"
	"github.com/linnemanlabs/sentinel/internal/notify/slack"
	"github.com/linnemanlabs/sentinel/internal/postgres"
	"github.com/linnemanlabs/sentinel/internal/schedule"
)

// Job ids, also used as metric and log labels.
const (
	jobCrawl           = "crawl"
	jobIntervalSummary = "interval-summary"
	jobDailyReport     = "daily-report"
	jobWeeklyReport    = "weekly-report"
)

type crawler interface {
	Run(ctx context.Context) (news.RunStats, error)
}

type digester interface {
	RunIntervalPass(ctx context.Context) (news.DigestResult, error)
}

type reporter interface {
	Daily(ctx context.Context) error
	Weekly(ctx context.Context) error
}

// newTransport picks the webhook flavour. An empty URL yields the log-only transport.
func newTransport(c *vc.Config) (news.Transport, string) {
	switch {
	case c.WebhookURL == "":
		return news.LogTransport{}, "log"
	case c.NotifyTransport == vc.TransportSlack:
		return slack.New(c.WebhookURL), vc.TransportSlack
	default:
		return feishu.New(c.WebhookURL), vc.TransportFeishu
	}
}

// buildJobs returns the job table. The interval summary only exists in interval mode.
func buildJobs(c *vc.Config, mode news.Mode, p crawler, d digester, r reporter) ([]schedule.Job, error) {
	dailyHour, dailyMinute, err := schedule.ParseClock(c.DailyReportAt)
	if err != nil {
		return nil, err
	}
	weeklyDay, err := schedule.ParseWeekday(c.WeeklyReportDay)
	if err != nil {
		return nil, err
	}
	weeklyHour, weeklyMinute, err := schedule.ParseClock(c.WeeklyReportAt)
	if err != nil {
		return nil, err
	}

	jobs := []schedule.Job{
		{
			ID:      jobCrawl,
			Trigger: schedule.Every(c.CrawlInterval(), true),
			Run: func(ctx context.Context) error {
				_, err := p.Run(ctx)
				return err
			},
		},
	}
	if mode == news.ModeInterval {
		jobs = append(jobs, schedule.Job{
			ID:      jobIntervalSummary,
			Trigger: schedule.Every(c.NotifyInterval(), false),
			Run: func(ctx context.Context) error {
				_, err := d.RunIntervalPass(ctx)
				return err
			},
		})
	}
	jobs = append(jobs,
		schedule.Job{ID: jobDailyReport, Trigger: schedule.DailyAt(dailyHour, dailyMinute), Run: r.Daily},
		schedule.Job{ID: jobWeeklyReport, Trigger: schedule.WeeklyAt(weeklyDay, weeklyHour, weeklyMinute), Run: r.Weekly},
	)

	// label DB query metrics by job
	for i := range jobs {
		id, run := jobs[i].ID, jobs[i].Run
		jobs[i].Run = func(ctx context.Context) error {
			return run(postgres.WithJob(ctx, id))
		}
	}
	return jobs, nil
}
