package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const waitFor = 2 * time.Second

func mustNew(t *testing.T, jobs []Job, hooks Hooks) *Scheduler {
	t.Helper()
	s, err := New(jobs, time.UTC, log.Nop(), hooks)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

// completions returns Hooks that report each finished job id on a channel.
func completions() (Hooks, <-chan string) {
	ch := make(chan string, 16)
	return Hooks{OnComplete: func(id string, _ time.Duration, _ error) { ch <- id }}, ch
}

func await(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("completed %q, want %q", got, want)
		}
	case <-time.After(waitFor):
		t.Fatalf("job %q did not complete", want)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	noop := func(context.Context) error { return nil }
	tests := []struct {
		name string
		jobs []Job
	}{
		{"empty id", []Job{{Trigger: DailyAt(9, 0), Run: noop}}},
		{"nil run", []Job{{ID: "a", Trigger: DailyAt(9, 0)}}},
		{"duplicate", []Job{{ID: "a", Trigger: DailyAt(9, 0), Run: noop}, {ID: "a", Trigger: DailyAt(10, 0), Run: noop}}},
		{"bad trigger", []Job{{ID: "a", Trigger: DailyAt(25, 0), Run: noop}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.jobs, time.UTC, nil, Hooks{}); err == nil {
				t.Error("New = nil error")
			}
		})
	}
}

func TestStart_ImmediateJobRuns(t *testing.T) {
	t.Parallel()

	hooks, done := completions()
	var runs atomic.Int32
	s := mustNew(t, []Job{
		{ID: "crawl", Trigger: Every(time.Hour, true), Run: func(context.Context) error { runs.Add(1); return nil }},
		{ID: "summary", Trigger: Every(time.Hour, false), Run: func(context.Context) error {
			t.Error("delayed job ran at start")
			return nil
		}},
	}, hooks)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, done, "crawl")

	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start = nil error")
	}

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].ID != "crawl" || snap[1].ID != "summary" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].Runs != 1 || snap[0].LastEnd.IsZero() {
		t.Errorf("crawl status = %+v", snap[0])
	}
	if snap[1].Next.Before(time.Now().Add(59 * time.Minute)) {
		t.Errorf("summary next = %s, want about one hour out", snap[1].Next)
	}
}

func TestRunNow_NonReentrant(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var skips atomic.Int32
	hooks, done := completions()
	hooks.OnSkip = func(string) { skips.Add(1) }

	s := mustNew(t, []Job{{ID: "crawl", Trigger: Every(time.Hour, false), Run: func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}}}, hooks)

	if err := s.RunNow(context.Background(), "crawl"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	<-started

	if err := s.RunNow(context.Background(), "crawl"); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("second RunNow = %v, want ErrJobRunning", err)
	}
	if skips.Load() != 1 {
		t.Errorf("skips = %d, want 1", skips.Load())
	}
	if !s.Snapshot()[0].Running {
		t.Error("snapshot does not show job running")
	}

	close(release)
	await(t, done, "crawl")

	// the flag clears after completion
	deadline := time.Now().Add(waitFor)
	for s.Snapshot()[0].Running && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.RunNow(context.Background(), "crawl"); err != nil {
		t.Fatalf("RunNow after completion: %v", err)
	}
	<-started
	await(t, done, "crawl")
}

func TestRunNow_UnknownJob(t *testing.T) {
	t.Parallel()

	s := mustNew(t, nil, Hooks{})
	if err := s.RunNow(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("RunNow = %v, want ErrUnknownJob", err)
	}
}

func TestExecute_ErrorsAndPanicsAreContained(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	errs := map[string]error{}
	done := make(chan string, 4)
	hooks := Hooks{OnComplete: func(id string, _ time.Duration, err error) {
		mu.Lock()
		errs[id] = err
		mu.Unlock()
		done <- id
	}}

	s := mustNew(t, []Job{
		{ID: "fails", Trigger: DailyAt(9, 0), Run: func(context.Context) error { return errors.New("store down") }},
		{ID: "panics", Trigger: DailyAt(9, 0), Run: func(context.Context) error { panic("boom") }},
	}, hooks)

	for _, id := range []string{"fails", "panics"} {
		if err := s.RunNow(context.Background(), id); err != nil {
			t.Fatalf("RunNow(%s): %v", id, err)
		}
		await(t, done, id)
	}

	mu.Lock()
	failed, panicked := errs["fails"], errs["panics"]
	mu.Unlock()
	if failed == nil || panicked == nil {
		t.Fatalf("fails err = %v, panics err = %v", failed, panicked)
	}
	for _, st := range s.Snapshot() {
		if st.LastError == "" {
			t.Errorf("job %s has no last error", st.ID)
		}
	}

	// still registered and runnable once the flag clears
	deadline := time.Now().Add(waitFor)
	for s.Snapshot()[1].Running && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.RunNow(context.Background(), "panics"); err != nil {
		t.Fatalf("RunNow after panic: %v", err)
	}
	await(t, done, "panics")
}

func TestJobContext_NotCancelledWithCaller(t *testing.T) {
	t.Parallel()

	got := make(chan error, 1)
	s := mustNew(t, []Job{{ID: "crawl", Trigger: DailyAt(9, 0), Run: func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		got <- ctx.Err()
		return nil
	}}}, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.RunNow(ctx, "crawl"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	cancel()

	select {
	case err := <-got:
		if err != nil {
			t.Errorf("job ctx err = %v, want nil", err)
		}
	case <-time.After(waitFor):
		t.Fatal("job did not finish")
	}
}

func TestStop_NeverStarted(t *testing.T) {
	t.Parallel()

	s, err := New([]Job{{ID: "a", Trigger: DailyAt(9, 0), Run: func(context.Context) error { return nil }}}, nil, nil, Hooks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
	if err := s.RunNow(ctx, "a"); !errors.Is(err, ErrStopped) {
		t.Errorf("RunNow after Stop = %v, want ErrStopped", err)
	}
}

func TestStop_WaitsForRunningJob(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var finished atomic.Bool
	s := mustNew(t, []Job{{ID: "slow", Trigger: DailyAt(9, 0), Run: func(context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}}}, Hooks{})

	if err := s.RunNow(context.Background(), "slow"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !finished.Load() {
		t.Error("Stop returned before the running job finished")
	}
}

func TestStop_DeadlineExceeded(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	s := mustNew(t, []Job{{ID: "stuck", Trigger: DailyAt(9, 0), Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}}, Hooks{})
	defer close(release)

	if err := s.RunNow(context.Background(), "stuck"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want DeadlineExceeded", err)
	}
}

func TestMetricsHooks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := m.Hooks()

	h.OnComplete("crawl", time.Second, nil)
	h.OnComplete("crawl", time.Second, errors.New("x"))
	h.OnSkip("crawl")

	if got := counterValue(t, m.JobRunsTotal.WithLabelValues("crawl", "ok")); got != 1 {
		t.Errorf("ok runs = %v, want 1", got)
	}
	if got := counterValue(t, m.JobRunsTotal.WithLabelValues("crawl", "error")); got != 1 {
		t.Errorf("error runs = %v, want 1", got)
	}
	if got := counterValue(t, m.JobSkipsTotal.WithLabelValues("crawl")); got != 1 {
		t.Errorf("skips = %v, want 1", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
