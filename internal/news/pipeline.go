package news

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// ErrRunInProgress is returned when Run is called while a run is executing.
var ErrRunInProgress = errors.New("news: pipeline run already in progress")

// Outcome is the result of processing one raw item.
type Outcome int

const (
	// OutcomeSkipped means the identifier was already in the ledger
	OutcomeSkipped Outcome = iota

	// OutcomeDiscarded means the item was new but matched no category
	OutcomeDiscarded

	// OutcomeStored means a flash record was written and left unpushed
	OutcomeStored

	// OutcomeStoredAndPushed means a flash record was written and delivered
	OutcomeStoredAndPushed

	// OutcomeFailed means processing the item failed and its writes were discarded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeStored:
		return "stored"
	case OutcomeStoredAndPushed:
		return "stored_and_pushed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ItemResult is returned by the per-item step.
type ItemResult struct {
	Outcome Outcome
	Reason  string
}

// RunStats summarizes one pipeline run. Inserted counts ledger insertions.
type RunStats struct {
	Fetched        int `json:"fetched"`
	Inserted       int `json:"inserted"`
	Stored         int `json:"stored"`
	RealtimePushed int `json:"realtime_pushed"`
	Skipped        int `json:"skipped"`
	Failed         int `json:"failed"`
	SourceErrors   int `json:"source_errors"`
}

func (s *RunStats) add(r ItemResult) {
	switch r.Outcome {
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeDiscarded:
		s.Inserted++
	case OutcomeStored:
		s.Inserted++
		s.Stored++
	case OutcomeStoredAndPushed:
		s.Inserted++
		s.Stored++
		s.RealtimePushed++
	case OutcomeFailed:
		s.Failed++
	}
}

// Pipeline pulls from all sources, dedups, classifies, stores and dispatches.
type Pipeline struct {
	store      Store
	classifier *Classifier
	dispatcher *Dispatcher
	sources    []Source
	logger     log.Logger
	metrics    *Metrics
	now        func() time.Time
	running    atomic.Bool
}

// NewPipeline wires a pipeline. Sources are merged in the order given.
func NewPipeline(store Store, classifier *Classifier, dispatcher *Dispatcher, sources []Source, logger log.Logger, metrics *Metrics) *Pipeline {
	if store == nil {
		panic(xerrors.New("store is required"))
	}
	if classifier == nil {
		panic(xerrors.New("classifier is required"))
	}
	if dispatcher == nil {
		panic(xerrors.New("dispatcher is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Pipeline{
		store:      store,
		classifier: classifier,
		dispatcher: dispatcher,
		sources:    sources,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Run executes one crawl cycle inside a single unit of work. Per-item
// failures are logged and counted; only begin/commit failures are returned.
func (p *Pipeline) Run(ctx context.Context) (RunStats, error) {
	if !p.running.CompareAndSwap(false, true) {
		return RunStats{}, ErrRunInProgress
	}
	defer p.running.Store(false)

	start := time.Now()
	ctx, span := tracer.Start(ctx, "news.Pipeline.Run")
	defer span.End()

	stats, err := p.run(ctx)

	span.SetAttributes(
		attribute.Int("sentinel.run.fetched", stats.Fetched),
		attribute.Int("sentinel.run.inserted", stats.Inserted),
		attribute.Int("sentinel.run.stored", stats.Stored),
		attribute.Int("sentinel.run.realtime_pushed", stats.RealtimePushed),
		attribute.Int("sentinel.run.skipped", stats.Skipped),
		attribute.Int("sentinel.run.failed", stats.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.metrics.observeRun(time.Since(start), err)
	return stats, err
}

func (p *Pipeline) run(ctx context.Context) (RunStats, error) {
	var stats RunStats

	items, sourceErrs := p.collect(ctx)
	stats.Fetched = len(items)
	stats.SourceErrors = sourceErrs

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("begin run: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	for i := range items {
		res := p.processItem(ctx, tx, &items[i])
		stats.add(res)
		p.metrics.observeItem(res.Outcome)
		if res.Outcome == OutcomeFailed {
			p.logger.Warn(ctx, "item processing failed",
				"source", items[i].Source,
				"identifier", items[i].Identifier,
				"reason", res.Reason,
			)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("commit run: %w", err)
	}

	p.logger.Info(ctx, "crawl run complete",
		"fetched", stats.Fetched,
		"inserted", stats.Inserted,
		"stored", stats.Stored,
		"realtime_pushed", stats.RealtimePushed,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"source_errors", stats.SourceErrors,
	)
	return stats, nil
}

// collect fetches from every source concurrently. A failing source
// contributes no items and does not cancel the others.
func (p *Pipeline) collect(ctx context.Context) ([]RawItem, int) {
	batches := make([][]RawItem, len(p.sources))
	failed := make([]bool, len(p.sources))

	var g errgroup.Group
	for i, src := range p.sources {
		g.Go(func() error {
			items, err := fetchSource(ctx, src)
			p.metrics.observeFetch(src.Name(), len(items), err)
			if err != nil {
				failed[i] = true
				p.logger.Error(ctx, err, "source fetch failed", "source", src.Name())
				return nil
			}
			batches[i] = items
			return nil
		})
	}
	_ = g.Wait()

	var merged []RawItem
	errs := 0
	for i := range batches {
		merged = append(merged, batches[i]...)
		if failed[i] {
			errs++
		}
	}
	return merged, errs
}

func fetchSource(ctx context.Context, src Source) (items []RawItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			items, err = nil, fmt.Errorf("source %s panicked: %v", src.Name(), r)
		}
	}()
	return src.Fetch(ctx)
}

// processItem runs dedup, classify, store and realtime push for one item
// inside its own nested unit of work.
func (p *Pipeline) processItem(ctx context.Context, tx Tx, item *RawItem) (res ItemResult) {
	if item.Identifier == "" {
		return ItemResult{Outcome: OutcomeFailed, Reason: "missing identifier"}
	}

	itx, err := tx.Begin(ctx)
	if err != nil {
		return ItemResult{Outcome: OutcomeFailed, Reason: "begin item: " + err.Error()}
	}
	committed := false
	defer func() {
		if r := recover(); r != nil {
			res = ItemResult{Outcome: OutcomeFailed, Reason: fmt.Sprintf("panic: %v", r)}
		}
		if !committed {
			_ = itx.Rollback(ctx)
		}
	}()

	now := p.now()

	isNew, err := itx.RecordIfNew(ctx, item.Identifier, now)
	if err != nil {
		return ItemResult{Outcome: OutcomeFailed, Reason: "record ledger: " + err.Error()}
	}
	if !isNew {
		return ItemResult{Outcome: OutcomeSkipped, Reason: "already recorded"}
	}

	tags := p.classifier.Classify(item.Title, item.Body)
	if len(tags) == 0 {
		if err := itx.Commit(ctx); err != nil {
			return ItemResult{Outcome: OutcomeFailed, Reason: "commit item: " + err.Error()}
		}
		committed = true
		return ItemResult{Outcome: OutcomeDiscarded}
	}

	rec := &FlashRecord{
		Source:      item.Source,
		Identifier:  item.Identifier,
		Title:       item.Title,
		Body:        item.Body,
		URL:         item.URL,
		PublishedAt: item.PublishedAt,
		Tags:        tags,
		IngestedAt:  now,
	}
	if err := itx.InsertFlash(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return ItemResult{Outcome: OutcomeSkipped, Reason: "flash already stored"}
		}
		return ItemResult{Outcome: OutcomeFailed, Reason: "insert flash: " + err.Error()}
	}

	outcome := OutcomeStored
	if p.dispatcher.Mode() == ModeRealtime && p.dispatcher.PushOne(ctx, rec) {
		if p.markPushed(ctx, itx, rec) {
			outcome = OutcomeStoredAndPushed
		}
	}

	if err := itx.Commit(ctx); err != nil {
		return ItemResult{Outcome: OutcomeFailed, Reason: "commit item: " + err.Error()}
	}
	committed = true
	return ItemResult{Outcome: outcome}
}

// markPushed flips the flag in its own savepoint so a failure leaves the
// stored record intact and unpushed.
func (p *Pipeline) markPushed(ctx context.Context, itx Tx, rec *FlashRecord) bool {
	ptx, err := itx.Begin(ctx)
	if err == nil {
		if err = ptx.MarkPushed(ctx, rec.Identifier); err == nil {
			err = ptx.Commit(ctx)
		} else {
			_ = ptx.Rollback(ctx)
		}
	}
	if err != nil {
		p.logger.Error(ctx, err, "delivered flash could not be marked pushed", "identifier", rec.Identifier)
		return false
	}
	rec.Pushed = true
	return true
}
