// Package report builds the daily and weekly summaries of ingested risk flashes.
package report

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"slices"
	"text/template"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sentinel/internal/news"
)

const (
	dateLayout = "2006-01-02"
	topItems   = 10
)

var body = template.Must(template.New("report").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`**统计区间:** {{.From}} ~ {{.To}}
**扫描总数:** {{.Scanned}}
**风险快讯:** {{.Risks}} (已推送 {{.Pushed}})

**标签分布**
{{range .Tags}}- {{.Tag}}: {{.Count}}
{{else}}- 无
{{end}}
**重点快讯**
{{range $i, $f := .Top}}{{inc $i}}. [{{$f.JoinedTags}}] [{{$f.Title}}]({{$f.URL}})
{{else}}- 无
{{end}}`))

type tagCount struct {
	Tag   string
	Count int
}

type view struct {
	From    string
	To      string
	Scanned int
	Risks   int
	Pushed  int
	Tags    []tagCount
	Top     []*news.FlashRecord
}

// Generator renders, persists and delivers period reports.
type Generator struct {
	store      news.Store
	dispatcher *news.Dispatcher
	logger     log.Logger
	now        func() time.Time
}

// NewGenerator creates a Generator. A nil dispatcher disables delivery.
func NewGenerator(store news.Store, dispatcher *news.Dispatcher, logger log.Logger) *Generator {
	if store == nil {
		panic(xerrors.New("report.NewGenerator: store is nil"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Generator{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Daily reports on the calendar day before now.
func (g *Generator) Daily(ctx context.Context) error {
	from, to := PreviousDay(g.now())
	_, err := g.Generate(ctx, news.ReportDaily, from, to)
	return err
}

// Weekly reports on the seven calendar days before now.
func (g *Generator) Weekly(ctx context.Context) error {
	from, to := PreviousWeek(g.now())
	_, err := g.Generate(ctx, news.ReportWeekly, from, to)
	return err
}

// Generate builds the report for flashes ingested in [from, to) and persists it.
// Delivery is best effort: a failed send is logged and the report is still returned.
func (g *Generator) Generate(ctx context.Context, kind news.ReportKind, from, to time.Time) (*news.Report, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("report: empty period %s ~ %s", from, to)
	}

	flashes, err := g.store.ListFlashes(ctx, news.FlashQuery{From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("report: list flashes: %w", err)
	}
	scanned, err := g.store.ScannedBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("report: scanned total: %w", err)
	}

	content, err := render(summarize(flashes, scanned, from, to))
	if err != nil {
		return nil, err
	}

	r := &news.Report{
		ID:          ulid.Make().String(),
		Kind:        kind,
		PeriodStart: from,
		PeriodEnd:   to,
		Content:     content,
		CreatedAt:   g.now(),
	}
	if err := g.store.PutReport(ctx, r); err != nil {
		return nil, fmt.Errorf("report: persist: %w", err)
	}
	g.logger.Info(ctx, "report generated", "report_id", r.ID, "kind", kind, "flashes", len(flashes), "scanned", scanned)

	if g.dispatcher != nil {
		g.dispatcher.Deliver(ctx, news.Message{
			Kind:  news.KindReport,
			Title: Title(kind, from, to),
			Body:  content,
			At:    r.CreatedAt,
			Note:  "生成时间: " + r.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	return r, nil
}

// Title names a report period, e.g. "Sentinel 日报 2026-03-04".
func Title(kind news.ReportKind, from, to time.Time) string {
	last := to.Add(-time.Nanosecond)
	if kind == news.ReportWeekly {
		return fmt.Sprintf("Sentinel 周报 %s ~ %s", from.Format(dateLayout), last.Format(dateLayout))
	}
	return "Sentinel 日报 " + from.Format(dateLayout)
}

func summarize(flashes []*news.FlashRecord, scanned int, from, to time.Time) view {
	v := view{
		From:    from.Format("2006-01-02 15:04"),
		To:      to.Format("2006-01-02 15:04"),
		Scanned: scanned,
		Risks:   len(flashes),
	}

	counts := map[string]int{}
	for _, f := range flashes {
		if f.Pushed {
			v.Pushed++
		}
		for _, t := range f.Tags {
			counts[t]++
		}
	}
	for tag, n := range counts {
		v.Tags = append(v.Tags, tagCount{Tag: tag, Count: n})
	}
	slices.SortFunc(v.Tags, func(a, b tagCount) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Tag, b.Tag))
	})

	top := slices.Clone(flashes)
	slices.SortStableFunc(top, func(a, b *news.FlashRecord) int {
		return cmp.Or(cmp.Compare(len(b.Tags), len(a.Tags)), b.PublishedAt.Compare(a.PublishedAt))
	})
	if len(top) > topItems {
		top = top[:topItems]
	}
	v.Top = top
	return v
}

func render(v view) (string, error) {
	var buf bytes.Buffer
	if err := body.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("report: render: %w", err)
	}
	return buf.String(), nil
}

// PreviousDay returns [yesterday 00:00, today 00:00) in now's location.
func PreviousDay(now time.Time) (from, to time.Time) {
	to = news.DayOf(now)
	return to.AddDate(0, 0, -1), to
}

// PreviousWeek returns the seven calendar days ending at today's midnight in now's location.
func PreviousWeek(now time.Time) (from, to time.Time) {
	to = news.DayOf(now)
	return to.AddDate(0, 0, -7), to
}
