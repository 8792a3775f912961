package news_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/news"
	"github.com/linnemanlabs/sentinel/internal/news/memstore"
	"github.com/prometheus/client_golang/prometheus"
)

// recordingTransport captures messages and fails when err is set.
type recordingTransport struct {
	mu   sync.Mutex
	msgs []news.Message
	err  error
}

func (r *recordingTransport) Send(_ context.Context, msg news.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func staticSource(name string, items ...news.RawItem) news.Source {
	return news.SourceFunc{SourceName: name, Fn: func(context.Context) ([]news.RawItem, error) {
		return items, nil
	}}
}

func noise(source string, n int) []news.RawItem {
	items := make([]news.RawItem, 0, n)
	for i := range n {
		items = append(items, news.RawItem{
			Source:      source,
			Identifier:  fmt.Sprintf("%s-%d", source, i),
			Title:       fmt.Sprintf("行情播报 %d", i),
			Body:        "市场平稳",
			PublishedAt: time.Now(),
		})
	}
	return items
}

func seedLedger(t *testing.T, store *memstore.Store, ids ...string) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if _, err := tx.RecordIfNew(ctx, id, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func newPipeline(store news.Store, transport news.Transport, mode news.Mode, sources ...news.Source) *news.Pipeline {
	d := news.NewDispatcher(store, transport, mode, time.Hour, log.Nop(), nil)
	return news.NewPipeline(store, news.NewClassifier(news.DefaultTaxonomy()), d, sources, log.Nop(), nil)
}

func TestPipeline_RunExample(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedLedger(t, store, "a-0", "b-1")
	before, _ := store.Counter(time.Now())

	a := noise("a", 8)
	a[3] = news.RawItem{Source: "a", Identifier: "risk-1", Title: "交易所被盗", Body: "监管介入", URL: "https://a/1", PublishedAt: time.Now()}
	b := noise("b", 3)

	transport := &recordingTransport{}
	p := newPipeline(store, transport, news.ModeRealtime, staticSource("a", a...), staticSource("b", b...))

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.Fetched != 11 {
		t.Errorf("Fetched = %d, want 11", stats.Fetched)
	}
	if stats.Inserted != 9 {
		t.Errorf("Inserted = %d, want 9", stats.Inserted)
	}
	if stats.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", stats.Skipped)
	}
	if stats.Stored != 1 || stats.RealtimePushed != 1 {
		t.Errorf("Stored = %d, RealtimePushed = %d, want 1, 1", stats.Stored, stats.RealtimePushed)
	}
	if got := store.LedgerSize(); got != 11 {
		t.Errorf("ledger size = %d, want 11 (2 seeded + 9 new)", got)
	}
	after, _ := store.Counter(time.Now())
	if after.ScannedCount-before.ScannedCount != 9 {
		t.Errorf("counter delta = %d, want 9", after.ScannedCount-before.ScannedCount)
	}

	flashes, err := store.ListFlashes(context.Background(), news.FlashQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(flashes) != 1 {
		t.Fatalf("flashes = %d, want 1", len(flashes))
	}
	if !slices.Equal(flashes[0].Tags, []string{news.TagSecurity, news.TagCompliance}) {
		t.Errorf("tags = %v", flashes[0].Tags)
	}
	if !flashes[0].Pushed {
		t.Error("realtime flash not marked pushed")
	}
	if transport.count() != 1 {
		t.Errorf("notifications = %d, want 1", transport.count())
	}
}

func TestPipeline_DuplicateNeverStoredOrNotified(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedLedger(t, store, "dup")

	transport := &recordingTransport{}
	p := newPipeline(store, transport, news.ModeRealtime, staticSource("s", news.RawItem{
		Source: "s", Identifier: "dup", Title: "黑客攻击", Body: "全新内容",
	}))

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 1 || stats.Inserted != 0 {
		t.Errorf("stats = %+v", stats)
	}
	flashes, _ := store.ListFlashes(context.Background(), news.FlashQuery{})
	if len(flashes) != 0 {
		t.Errorf("flashes = %d, want 0", len(flashes))
	}
	if transport.count() != 0 {
		t.Errorf("notifications = %d, want 0", transport.count())
	}
}

func TestPipeline_DuplicateWithinRun(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	item := news.RawItem{Source: "s", Identifier: "same", Title: "黑客攻击"}
	p := newPipeline(store, &recordingTransport{}, news.ModeInterval,
		staticSource("a", item), staticSource("b", item))

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Inserted != 1 || stats.Skipped != 1 || stats.Stored != 1 {
		t.Errorf("stats = %+v", stats)
	}
	c, _ := store.Counter(time.Now())
	if c.ScannedCount != 1 {
		t.Errorf("counter = %d, want 1", c.ScannedCount)
	}
}

func TestPipeline_RealtimeFailureLeavesUnpushed(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	transport := &recordingTransport{err: errors.New("webhook down")}
	p := newPipeline(store, transport, news.ModeRealtime, staticSource("s", news.RawItem{
		Source: "s", Identifier: "r1", Title: "漏洞披露",
	}))

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Stored != 1 || stats.RealtimePushed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	flashes, _ := store.ListFlashes(context.Background(), news.FlashQuery{})
	if len(flashes) != 1 || flashes[0].Pushed {
		t.Fatalf("flashes = %+v, want one unpushed", flashes)
	}
	if transport.count() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", transport.count())
	}
}

func TestPipeline_IntervalModeDoesNotPush(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	transport := &recordingTransport{}
	p := newPipeline(store, transport, news.ModeInterval, staticSource("s", news.RawItem{
		Source: "s", Identifier: "i1", Title: "监管新规",
	}))

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Stored != 1 || stats.RealtimePushed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if transport.count() != 0 {
		t.Errorf("notifications = %d, want 0", transport.count())
	}
}

func TestPipeline_SourceFailureIsolated(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	failing := news.SourceFunc{SourceName: "bad", Fn: func(context.Context) ([]news.RawItem, error) {
		return nil, errors.New("connection refused")
	}}
	panicking := news.SourceFunc{SourceName: "worse", Fn: func(context.Context) ([]news.RawItem, error) {
		panic("parser bug")
	}}
	p := newPipeline(store, &recordingTransport{}, news.ModeInterval, failing, staticSource("good", noise("good", 4)...), panicking)

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Fetched != 4 || stats.Inserted != 4 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.SourceErrors != 2 {
		t.Errorf("SourceErrors = %d, want 2", stats.SourceErrors)
	}
}

func TestPipeline_SourcesRunConcurrently(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	slow := func(name string) news.Source {
		return news.SourceFunc{SourceName: name, Fn: func(ctx context.Context) ([]news.RawItem, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return noise(name, 1), nil
		}}
	}

	p := newPipeline(memstore.New(), &recordingTransport{}, news.ModeInterval, slow("a"), slow("b"), slow("c"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Run(context.Background())
	}()

	deadline := time.After(5 * time.Second)
	for peak.Load() < 3 {
		select {
		case <-deadline:
			close(release)
			t.Fatalf("peak concurrency = %d, want 3", peak.Load())
		case <-time.After(time.Millisecond):
		}
	}
	close(release)
	<-done
}

func TestPipeline_MergedOrderFollowsSources(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	// both sources carry the same identifier; the first source's copy wins
	first := news.RawItem{Source: "first", Identifier: "x", Title: "黑客", Body: "first"}
	second := news.RawItem{Source: "second", Identifier: "x", Title: "黑客", Body: "second"}
	p := newPipeline(store, &recordingTransport{}, news.ModeInterval, staticSource("first", first), staticSource("second", second))

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	flashes, _ := store.ListFlashes(context.Background(), news.FlashQuery{})
	if len(flashes) != 1 || flashes[0].Source != "first" {
		t.Errorf("flashes = %+v, want the first source's item", flashes)
	}
}

// failingStore wraps memstore and fails InsertFlash for one identifier.
type failingStore struct {
	*memstore.Store
	failID string
}

func (f *failingStore) Begin(ctx context.Context) (news.Tx, error) {
	tx, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, failID: f.failID}, nil
}

type failingTx struct {
	news.Tx
	failID string
}

func (f *failingTx) Begin(ctx context.Context) (news.Tx, error) {
	tx, err := f.Tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, failID: f.failID}, nil
}

func (f *failingTx) InsertFlash(ctx context.Context, rec *news.FlashRecord) error {
	if rec.Identifier == f.failID {
		return errors.New("disk full")
	}
	return f.Tx.InsertFlash(ctx, rec)
}

func TestPipeline_ItemFailureDoesNotAbortRun(t *testing.T) {
	t.Parallel()

	mem := memstore.New()
	store := &failingStore{Store: mem, failID: "bad"}
	p := newPipeline(store, &recordingTransport{}, news.ModeInterval, staticSource("s",
		news.RawItem{Source: "s", Identifier: "ok-1", Title: "黑客攻击"},
		news.RawItem{Source: "s", Identifier: "bad", Title: "监管罚款"},
		news.RawItem{Source: "s", Identifier: "ok-2", Title: "降息预期"},
		news.RawItem{Source: "s", Title: "no identifier"},
	))

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Stored != 2 || stats.Failed != 2 {
		t.Errorf("stats = %+v", stats)
	}
	// the failed item's ledger entry and counter increment were rolled back together
	if mem.LedgerSize() != 2 {
		t.Errorf("ledger size = %d, want 2", mem.LedgerSize())
	}
	c, _ := mem.Counter(time.Now())
	if c.ScannedCount != 2 {
		t.Errorf("counter = %d, want 2", c.ScannedCount)
	}
}

func TestPipeline_RunInProgress(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	blocking := news.SourceFunc{SourceName: "block", Fn: func(context.Context) ([]news.RawItem, error) {
		close(started)
		<-release
		return nil, nil
	}}
	p := newPipeline(memstore.New(), &recordingTransport{}, news.ModeInterval, blocking)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background())
		done <- err
	}()
	<-started

	if _, err := p.Run(context.Background()); !errors.Is(err, news.ErrRunInProgress) {
		t.Errorf("second Run err = %v, want ErrRunInProgress", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Run err = %v", err)
	}
}

func TestPipeline_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := news.NewMetrics(reg)
	store := memstore.New()
	d := news.NewDispatcher(store, &recordingTransport{}, news.ModeRealtime, 0, log.Nop(), m)
	p := news.NewPipeline(store, news.NewClassifier(news.DefaultTaxonomy()), d,
		[]news.Source{staticSource("s", news.RawItem{Source: "s", Identifier: "m1", Title: "黑客"})}, log.Nop(), m)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{"sentinel_pipeline_runs_total", "sentinel_items_total", "sentinel_notifications_total", "sentinel_source_fetch_total"} {
		if !found[name] {
			t.Errorf("metric %s not recorded", name)
		}
	}
}

func TestPipeline_RunSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	p := newPipeline(memstore.New(), &recordingTransport{}, news.ModeInterval, staticSource("s", noise("s", 2)...))
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, s := range exporter.GetSpans() {
		if s.Name == "news.Pipeline.Run" {
			found = true
			for _, a := range s.Attributes {
				if string(a.Key) == "sentinel.run.inserted" && a.Value.AsInt64() != 2 {
					t.Errorf("inserted attribute = %d, want 2", a.Value.AsInt64())
				}
			}
		}
	}
	if !found {
		t.Error("news.Pipeline.Run span not exported")
	}
}
