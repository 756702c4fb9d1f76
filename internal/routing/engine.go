package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/metrics"
	"github.com/technosupport/nvr-router/internal/rules"
)

type RuleSource interface {
	ActiveRules() *rules.Snapshot
}

// FailureRecorder marks events that could not be routed.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, eventID, reason string) error
}

type Engine struct {
	rules     RuleSource
	decisions data.DecisionRepository
	failures  FailureRecorder
	matcher   *Matcher
	locks     *keyedMutex
	log       *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewEngine(src RuleSource, decisions data.DecisionRepository, failures FailureRecorder, matcher *Matcher, log *zap.Logger) *Engine {
	if matcher == nil {
		matcher = NewMatcher(time.UTC)
	}
	return &Engine{
		rules:     src,
		decisions: decisions,
		failures:  failures,
		matcher:   matcher,
		locks:     newKeyedMutex(),
		log:       log.Named("routing"),
		tracer:    otel.Tracer("github.com/technosupport/nvr-router/internal/routing"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Route decides where an event goes. The first call for an event id records
// the decision; later calls return that same decision even if the rules have
// changed since. Events whose end precedes their start are marked failed and
// get no decision.
func (e *Engine) Route(ctx context.Context, evt data.Event) (*data.RoutingDecision, error) {
	d, _, err := e.Decide(ctx, evt)
	return d, err
}

// Decide is Route that also reports whether this call made the decision.
// Only the caller that made it should dispatch.
func (e *Engine) Decide(ctx context.Context, evt data.Event) (*data.RoutingDecision, bool, error) {
	ctx, span := e.tracer.Start(ctx, "routing.Route", trace.WithAttributes(
		attribute.String("event.id", evt.ID),
		attribute.String("event.camera", evt.CameraID),
	))
	defer span.End()

	start := time.Now()
	defer func() { metrics.RoutingLatency.Observe(time.Since(start).Seconds()) }()

	unlock := e.locks.Lock(evt.ID)
	defer unlock()

	existing, err := e.decisions.Get(ctx, evt.ID)
	if err == nil {
		metrics.RoutingDecisionsTotal.WithLabelValues("replayed").Inc()
		return existing, false, nil
	}
	if !errors.Is(err, data.ErrRecordNotFound) {
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("lookup decision %s: %w", evt.ID, err)
	}

	if err := evt.ValidateRange(); err != nil {
		metrics.RoutingDecisionsTotal.WithLabelValues("invalid").Inc()
		span.SetStatus(codes.Error, err.Error())
		if ferr := e.failures.RecordFailure(ctx, evt.ID, err.Error()); ferr != nil {
			e.log.Error("failed to record invalid event", zap.String("event_id", evt.ID), zap.Error(ferr))
		}
		e.log.Warn("event rejected", zap.String("event_id", evt.ID), zap.Error(err))
		return nil, false, err
	}

	snap := e.rules.ActiveRules()
	decision := &data.RoutingDecision{
		ID:             uuid.New().String(),
		EventID:        evt.ID,
		CameraID:       evt.CameraID,
		Destinations:   []data.Target{},
		DecidedAt:      e.now(),
		RuleSetVersion: snap.Version,
	}
	if r := e.matcher.Evaluate(snap, evt); r != nil {
		id := r.ID
		decision.MatchedRuleID = &id
		decision.Destinations = r.Destination.Targets()
	}

	stored, created, err := e.decisions.Create(ctx, decision)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("store decision %s: %w", evt.ID, err)
	}
	if !created {
		// another router instance decided first
		metrics.RoutingDecisionsTotal.WithLabelValues("replayed").Inc()
		return stored, false, nil
	}

	result := "unmatched"
	if stored.Matched() {
		result = "matched"
		span.SetAttributes(attribute.String("rule.id", *stored.MatchedRuleID))
	}
	metrics.RoutingDecisionsTotal.WithLabelValues(result).Inc()
	e.log.Debug("event routed",
		zap.String("event_id", evt.ID),
		zap.String("result", result),
		zap.Any("destinations", stored.Destinations),
		zap.Uint64("rule_set_version", stored.RuleSetVersion),
	)
	return stored, true, nil
}

// Decision returns the recorded decision for an event.
func (e *Engine) Decision(ctx context.Context, eventID string) (*data.RoutingDecision, error) {
	return e.decisions.Get(ctx, eventID)
}
