package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/metrics"
)

type Config struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	MaxInflight    int
}

// AttemptObserver is told about every attempt record after it is stored.
type AttemptObserver interface {
	AttemptRecorded(ctx context.Context, a data.DispatchAttempt)
}

// Dispatcher delivers routed events to their sinks. Destinations of one event
// are delivered in parallel and independently of each other.
type Dispatcher struct {
	sinks     map[data.Target]Sink
	attempts  data.AttemptRepository
	observers []AttemptObserver
	cfg       Config
	log       *zap.Logger
	tracer    trace.Tracer

	sem chan struct{}

	mu   sync.Mutex
	runs map[string]*run
	// ids cancelled before their dispatch started
	cancelled *expirable.LRU[string, struct{}]

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

type run struct {
	cancels []context.CancelCauseFunc
	refs    int
}

func NewDispatcher(sinks []Sink, attempts data.AttemptRepository, cfg Config, log *zap.Logger, observers ...AttemptObserver) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 8
	}

	byTarget := make(map[data.Target]Sink, len(sinks))
	for _, s := range sinks {
		byTarget[s.Target()] = s
	}
	return &Dispatcher{
		sinks:     byTarget,
		attempts:  attempts,
		observers: observers,
		cfg:       cfg,
		log:       log.Named("dispatch"),
		tracer:    otel.Tracer("github.com/technosupport/nvr-router/internal/dispatch"),
		sem:       make(chan struct{}, cfg.MaxInflight),
		runs:      make(map[string]*run),
		cancelled: expirable.NewLRU[string, struct{}](4096, nil, 10*time.Minute),
		now:       func() time.Time { return time.Now().UTC() },
		wait:      sleepCtx,
	}
}

// Dispatch delivers evt to every destination of decision and returns the
// final attempt record of each, in destination order. It blocks until all
// destinations reached a terminal outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, evt data.Event, decision *data.RoutingDecision) []data.DispatchAttempt {
	if len(decision.Destinations) == 0 {
		return nil
	}

	runCtx, done := d.register(ctx, evt.ID)
	defer done()

	results := make([]data.DispatchAttempt, len(decision.Destinations))
	var wg sync.WaitGroup
	for i, target := range decision.Destinations {
		wg.Add(1)
		go func(i int, target data.Target) {
			defer wg.Done()
			results[i] = d.deliver(runCtx, evt, decision, target)
		}(i, target)
	}
	wg.Wait()
	return results
}

// Cancel stops the remaining attempts of an event. Attempts that already
// succeeded stay recorded as such. It returns false when no dispatch of the
// event was running; a later dispatch of it is then cancelled on arrival.
func (d *Dispatcher) Cancel(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.runs[eventID]
	if !ok {
		d.cancelled.Add(eventID, struct{}{})
		return false
	}
	for _, cancel := range r.cancels {
		cancel(ErrCancelled)
	}
	return true
}

func (d *Dispatcher) register(ctx context.Context, eventID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, pre := d.cancelled.Peek(eventID); pre {
		d.cancelled.Remove(eventID)
		cancel(ErrCancelled)
	}
	r, ok := d.runs[eventID]
	if !ok {
		r = &run{}
		d.runs[eventID] = r
	}
	r.cancels = append(r.cancels, cancel)
	r.refs++

	return runCtx, func() {
		cancel(nil)
		d.mu.Lock()
		defer d.mu.Unlock()
		r.refs--
		if r.refs == 0 {
			delete(d.runs, eventID)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, evt data.Event, decision *data.RoutingDecision, target data.Target) data.DispatchAttempt {
	base := data.DispatchAttempt{
		DecisionID:  decision.ID,
		EventID:     evt.ID,
		Destination: target,
	}

	sink, ok := d.sinks[target]
	if !ok {
		a := base
		a.ID = uuid.New().String()
		a.AttemptNumber = 1
		a.Status = data.AttemptFailed
		a.ErrorDetail = fmt.Sprintf("no sink configured for %s", target)
		return d.record(ctx, a)
	}

	for n := 1; ; n++ {
		a := base
		a.ID = uuid.New().String()
		a.AttemptNumber = n

		if err := d.acquire(ctx); err != nil {
			return d.stopped(ctx, a)
		}
		d.record(ctx, withStatus(a, data.AttemptPending))
		ref, err := d.attempt(ctx, sink, evt, decision, n)
		d.releaseSlot()

		if err == nil {
			a.Status = data.AttemptSuccess
			a.Ref = ref
			metrics.DispatchAttemptsTotal.WithLabelValues(string(target), "success").Inc()
			return d.record(ctx, a)
		}
		if ctx.Err() != nil {
			return d.stopped(ctx, a)
		}

		de := classify(target, err)
		a.Status = data.AttemptFailed
		a.ErrorDetail = de.Error()
		if !de.Retryable {
			metrics.DispatchAttemptsTotal.WithLabelValues(string(target), "terminal").Inc()
			d.log.Warn("dispatch failed", zap.String("event_id", evt.ID), zap.String("destination", string(target)), zap.Error(de))
			return d.record(ctx, a)
		}
		if n >= d.cfg.MaxAttempts {
			metrics.DispatchAttemptsTotal.WithLabelValues(string(target), "exhausted").Inc()
			a.ErrorDetail = fmt.Sprintf("%s (giving up after %d attempts)", de.Error(), n)
			d.log.Warn("dispatch retries exhausted", zap.String("event_id", evt.ID), zap.String("destination", string(target)), zap.Error(de))
			return d.record(ctx, a)
		}

		metrics.DispatchAttemptsTotal.WithLabelValues(string(target), "retry").Inc()
		a.Retryable = true
		d.record(ctx, a)

		if err := d.wait(ctx, d.backoff(n)); err != nil {
			next := base
			next.ID = uuid.New().String()
			next.AttemptNumber = n + 1
			return d.stopped(ctx, next)
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, sink Sink, evt data.Event, decision *data.RoutingDecision, n int) (string, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.Attempt", trace.WithAttributes(
		attribute.String("event.id", evt.ID),
		attribute.String("destination", string(sink.Target())),
		attribute.Int("attempt", n),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	ref, err := sink.Send(ctx, evt, decision)
	metrics.DispatchLatency.WithLabelValues(string(sink.Target())).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ref, err
}

// stopped records an attempt that ended because the event's dispatch was
// cancelled or the router is shutting down. A cancel is final; an attempt cut
// by shutdown is left retryable so the destination stays pending and is
// resumed on the next start.
func (d *Dispatcher) stopped(ctx context.Context, a data.DispatchAttempt) data.DispatchAttempt {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	a.Status = data.AttemptFailed
	a.ErrorDetail = cause.Error()
	result := "cancelled"
	if !errors.Is(cause, ErrCancelled) {
		result = "shutdown"
		a.Retryable = true
		a.ErrorDetail = "interrupted by shutdown: " + cause.Error()
	}
	metrics.DispatchAttemptsTotal.WithLabelValues(string(a.Destination), result).Inc()
	return d.record(ctx, a)
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case d.sem <- struct{}{}:
		metrics.DispatchInflight.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) releaseSlot() {
	<-d.sem
	metrics.DispatchInflight.Dec()
}

// backoff is exponential with full jitter: a random wait in
// [0, min(MaxBackoff, BaseBackoff * 2^(n-1))].
func (d *Dispatcher) backoff(n int) time.Duration {
	ceiling := d.cfg.BaseBackoff << min(n-1, 30)
	if ceiling <= 0 || ceiling > d.cfg.MaxBackoff {
		ceiling = d.cfg.MaxBackoff
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// record stores a and notifies observers. Writes outlive cancellation of ctx
// so a cancelled attempt still leaves its record.
func (d *Dispatcher) record(ctx context.Context, a data.DispatchAttempt) data.DispatchAttempt {
	a.Timestamp = d.now()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := d.attempts.Append(wctx, &a); err != nil {
		d.log.Error("failed to record attempt",
			zap.String("event_id", a.EventID),
			zap.String("destination", string(a.Destination)),
			zap.Int("attempt", a.AttemptNumber),
			zap.Error(err),
		)
	}
	for _, o := range d.observers {
		o.AttemptRecorded(wctx, a)
	}
	return a
}

func withStatus(a data.DispatchAttempt, s data.AttemptStatus) data.DispatchAttempt {
	a.Status = s
	return a
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
