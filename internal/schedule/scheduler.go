// Package schedule runs the service's periodic jobs from an explicit job table.
//
// A single timer goroutine tracks the earliest due job. Each due job runs in
// its own goroutine guarded by a per-job running flag, so a slow job never
// delays the others and never overlaps itself.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/robfig/cron/v3"
)

var (
	// ErrJobRunning is returned by RunNow when the job is already executing.
	ErrJobRunning = errors.New("schedule: job already running")

	// ErrUnknownJob is returned by RunNow for an id not in the job table.
	ErrUnknownJob = errors.New("schedule: unknown job")

	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("schedule: scheduler stopped")
)

// Job is one row of the job table.
type Job struct {
	ID      string
	Trigger Trigger
	Run     func(ctx context.Context) error
}

// Hooks receives job lifecycle events. Nil fields are ignored.
type Hooks struct {
	OnComplete func(id string, d time.Duration, err error)
	OnSkip     func(id string)
}

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	ID        string    `json:"id"`
	Trigger   string    `json:"trigger"`
	Running   bool      `json:"running"`
	Next      time.Time `json:"next,omitzero"`
	LastStart time.Time `json:"last_start,omitzero"`
	LastEnd   time.Time `json:"last_end,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
	Skips     int       `json:"skips"`
}

type entry struct {
	job     Job
	sched   cron.Schedule
	running atomic.Bool

	// guarded by Scheduler.mu
	next      time.Time
	lastStart time.Time
	lastEnd   time.Time
	lastErr   string
	runs      int
	skips     int
}

// Scheduler owns the job table and its timer loop.
type Scheduler struct {
	logger log.Logger
	hooks  Hooks
	now    func() time.Time

	entries []*entry
	byID    map[string]*entry

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New validates the job table and compiles each trigger in loc (time.Local when nil).
func New(jobs []Job, loc *time.Location, logger log.Logger, hooks Hooks) (*Scheduler, error) {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Scheduler{
		logger: logger,
		hooks:  hooks,
		now:    time.Now,
		byID:   make(map[string]*entry, len(jobs)),
		stop:   make(chan struct{}),
	}

	for _, j := range jobs {
		if j.ID == "" {
			return nil, errors.New("schedule: job with empty id")
		}
		if j.Run == nil {
			return nil, fmt.Errorf("schedule: job %q has no run function", j.ID)
		}
		if _, dup := s.byID[j.ID]; dup {
			return nil, fmt.Errorf("schedule: duplicate job id %q", j.ID)
		}
		sched, err := j.Trigger.compile(loc)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", j.ID, err)
		}
		e := &entry{job: j, sched: sched}
		s.entries = append(s.entries, e)
		s.byID[j.ID] = e
	}
	return s, nil
}

// Start schedules every job and launches the timer loop. It may be called once.
// Jobs receive a context detached from ctx's cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return errors.New("schedule: already started")
	}
	s.started = true

	now := s.now()
	for _, e := range s.entries {
		if e.job.Trigger.Kind == KindEvery && e.job.Trigger.Immediate {
			e.next = now
		} else {
			e.next = e.sched.Next(now)
		}
		s.logger.Info(ctx, "job scheduled", "job", e.job.ID, "trigger", e.job.Trigger.String(), "next", e.next)
	}

	go s.loop(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	if len(s.entries) == 0 {
		return
	}
	for {
		timer := time.NewTimer(max(0, s.earliest().Sub(s.now())))
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		for _, e := range s.advance(s.now()) {
			_ = s.launch(ctx, e)
		}
	}
}

func (s *Scheduler) earliest() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.entries[0].next
	for _, e := range s.entries[1:] {
		if e.next.Before(t) {
			t = e.next
		}
	}
	return t
}

// advance returns the jobs due at now and moves their next fire time forward.
func (s *Scheduler) advance(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
			e.next = e.sched.Next(now)
		}
	}
	return due
}

// launch starts e in its own goroutine unless it is already running.
func (s *Scheduler) launch(ctx context.Context, e *entry) error {
	if !e.running.CompareAndSwap(false, true) {
		s.mu.Lock()
		e.skips++
		s.mu.Unlock()
		s.logger.Warn(ctx, "job still running, skipping", "job", e.job.ID)
		if s.hooks.OnSkip != nil {
			s.hooks.OnSkip(e.job.ID)
		}
		return ErrJobRunning
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		e.running.Store(false)
		return ErrStopped
	}
	s.wg.Add(1)
	e.lastStart = s.now()
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer e.running.Store(false)
		s.execute(context.WithoutCancel(ctx), e)
	}()
	return nil
}

func (s *Scheduler) execute(ctx context.Context, e *entry) {
	L := s.logger.With("job", e.job.ID)
	ctx = log.WithContext(ctx, L)

	start := time.Now()
	err := safeRun(ctx, e.job.Run)
	dur := time.Since(start)

	s.mu.Lock()
	e.lastEnd = s.now()
	e.runs++
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		L.Error(ctx, err, "job failed", "duration", dur)
	} else {
		L.Info(ctx, "job finished", "duration", dur)
	}
	if s.hooks.OnComplete != nil {
		s.hooks.OnComplete(e.job.ID, dur, err)
	}
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("schedule: job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// RunNow starts job id immediately in the background. It does not move the
// job's next scheduled fire time.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, id)
	}
	return s.launch(ctx, e)
}

// Stop halts the timer loop and waits for running jobs until ctx is done.
// It is safe to call before Start and more than once.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("schedule: waiting for running jobs: %w", ctx.Err())
	}
}

// Snapshot returns the status of every job in table order.
func (s *Scheduler) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := JobStatus{
			ID:        e.job.ID,
			Trigger:   e.job.Trigger.String(),
			Running:   e.running.Load(),
			LastStart: e.lastStart,
			LastEnd:   e.lastEnd,
			LastError: e.lastErr,
			Runs:      e.runs,
			Skips:     e.skips,
		}
		if s.started && !s.stopped {
			st.Next = e.next
		}
		out = append(out, st)
	}
	return out
}
