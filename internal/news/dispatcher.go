package news

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/news")

// Mode is the notification policy. Exactly one is active per process.
type Mode string

const (
	// ModeRealtime pushes every qualifying item inline from the pipeline
	ModeRealtime Mode = "realtime"

	// ModeInterval batches pending items into one digest per interval
	ModeInterval Mode = "interval"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRealtime, ModeInterval:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown notification mode %q (want realtime or interval)", s)
	}
}

// DigestResult describes one interval pass.
type DigestResult struct {
	Selected  int
	Delivered bool
}

// Dispatcher owns delivery and the pushed transition of flash records.
type Dispatcher struct {
	store     Store
	transport Transport
	mode      Mode
	interval  time.Duration
	logger    log.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. A nil transport logs only.
func NewDispatcher(store Store, transport Transport, mode Mode, interval time.Duration, logger log.Logger, metrics *Metrics) *Dispatcher {
	if store == nil {
		panic(xerrors.New("store is required"))
	}
	if transport == nil {
		transport = LogTransport{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	if mode == ModeInterval && interval <= 0 {
		panic(xerrors.New("interval mode requires a positive interval"))
	}
	return &Dispatcher{
		store:     store,
		transport: transport,
		mode:      mode,
		interval:  interval,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Mode returns the active policy.
func (d *Dispatcher) Mode() Mode { return d.mode }

// Interval returns the trailing window length used by RunIntervalPass.
func (d *Dispatcher) Interval() time.Duration { return d.interval }

// PushOne delivers a single record and reports whether it was accepted.
// Transport failures are logged, never returned.
func (d *Dispatcher) PushOne(ctx context.Context, rec *FlashRecord) bool {
	ctx, span := tracer.Start(ctx, "news.Dispatcher.PushOne", trace.WithAttributes(
		attribute.String("sentinel.flash.identifier", rec.Identifier),
		attribute.String("sentinel.flash.source", rec.Source),
	))
	defer span.End()

	err := d.transport.Send(ctx, AlertMessage(rec))
	ok := d.handleDelivery(ctx, span, KindAlert, err, "identifier", rec.Identifier, "title", rec.Title)
	span.SetAttributes(attribute.Bool("sentinel.notify.accepted", ok))
	return ok
}

// RunIntervalPass sends one digest of unpushed records ingested within the
// trailing interval. Every included record is marked pushed on success and
// none on failure. Only store failures are returned.
func (d *Dispatcher) RunIntervalPass(ctx context.Context) (DigestResult, error) {
	ctx, span := tracer.Start(ctx, "news.Dispatcher.RunIntervalPass")
	defer span.End()

	to := d.now()
	from := to.Add(-d.interval)

	pending, err := d.store.PendingInWindow(ctx, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return DigestResult{}, fmt.Errorf("load pending flashes: %w", err)
	}
	span.SetAttributes(attribute.Int("sentinel.digest.records", len(pending)))
	if len(pending) == 0 {
		d.logger.Info(ctx, "interval pass: nothing pending", "from", from, "to", to)
		return DigestResult{}, nil
	}

	res := DigestResult{Selected: len(pending)}
	d.metrics.observeDigest(len(pending))

	sendErr := d.transport.Send(ctx, BuildDigest(pending, from, to))
	if !d.handleDelivery(ctx, span, KindDigest, sendErr, "records", len(pending)) {
		return res, nil
	}
	res.Delivered = true

	ids := make([]string, 0, len(pending))
	for _, r := range pending {
		ids = append(ids, r.Identifier)
	}
	if err := d.store.MarkPushed(ctx, ids); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("mark digest pushed: %w", err)
	}

	d.logger.Info(ctx, "interval digest delivered", "records", len(pending), "from", from, "to", to)
	return res, nil
}

// Deliver sends an arbitrary message (e.g. a report) with the same failure
// semantics as PushOne.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) bool {
	ctx, span := tracer.Start(ctx, "news.Dispatcher.Deliver", trace.WithAttributes(
		attribute.String("sentinel.notify.kind", string(msg.Kind)),
	))
	defer span.End()

	return d.handleDelivery(ctx, span, msg.Kind, d.transport.Send(ctx, msg), "title", msg.Title)
}

func (d *Dispatcher) handleDelivery(ctx context.Context, span trace.Span, kind MessageKind, err error, kv ...any) bool {
	switch {
	case err == nil:
		d.metrics.observeDelivery(kind, "accepted")
		return true
	case errors.Is(err, ErrNotConfigured):
		d.metrics.observeDelivery(kind, "not_configured")
		d.logger.Info(ctx, "notification not sent: no transport configured", append([]any{"kind", kind}, kv...)...)
		return false
	default:
		d.metrics.observeDelivery(kind, "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error(ctx, err, "notification delivery failed", append([]any{"kind", kind}, kv...)...)
		return false
	}
}
