package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/technosupport/nvr-router/internal/data"
)

type Config struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Tracker answers "what happened to event X" from the decision log, the
// attempt log and the failure log. It keeps no state of its own apart from
// a short-lived cache, so answers are at most CacheTTL stale.
type Tracker struct {
	decisions data.DecisionRepository
	attempts  data.AttemptRepository
	failures  data.FailureRepository
	cache     *expirable.LRU[string, data.EventStatus]
	now       func() time.Time
}

func NewTracker(decisions data.DecisionRepository, attempts data.AttemptRepository, failures data.FailureRepository, cfg Config) *Tracker {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Second
	}
	return &Tracker{
		decisions: decisions,
		attempts:  attempts,
		failures:  failures,
		cache:     expirable.NewLRU[string, data.EventStatus](cfg.CacheSize, nil, cfg.CacheTTL),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetStatus returns data.ErrRecordNotFound for events the router never saw.
func (t *Tracker) GetStatus(ctx context.Context, eventID string) (*data.EventStatus, error) {
	if st, ok := t.cache.Get(eventID); ok {
		return &st, nil
	}
	st, err := t.project(ctx, eventID)
	if err != nil {
		return nil, err
	}
	t.cache.Add(eventID, *st)
	return st, nil
}

// RecordFailure marks an event that could not be routed.
func (t *Tracker) RecordFailure(ctx context.Context, eventID, reason string) error {
	err := t.failures.Record(ctx, &data.EventFailure{EventID: eventID, Reason: reason, RecordedAt: t.now()})
	t.cache.Remove(eventID)
	return err
}

// Invalidate drops the cached status of an event.
func (t *Tracker) Invalidate(eventID string) {
	t.cache.Remove(eventID)
}

// AttemptRecorded keeps the cache in step with the dispatcher.
func (t *Tracker) AttemptRecorded(_ context.Context, a data.DispatchAttempt) {
	t.cache.Remove(a.EventID)
}

// ByRule lists the statuses of the latest events routed by a rule, oldest first.
func (t *Tracker) ByRule(ctx context.Context, ruleID string, limit int) ([]*data.EventStatus, error) {
	ids, err := t.decisions.ListEventsByRule(ctx, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for rule %s: %w", ruleID, err)
	}
	return t.many(ctx, ids)
}

// Recent lists the statuses of the most recently routed events.
func (t *Tracker) Recent(ctx context.Context, limit int) ([]*data.EventStatus, error) {
	ids, err := t.decisions.ListRecentEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	return t.many(ctx, ids)
}

// Unfinished lists, among the latest limit decisions, the events that still
// have a destination without a terminal attempt. The cache is bypassed.
func (t *Tracker) Unfinished(ctx context.Context, limit int) ([]*data.EventStatus, error) {
	ids, err := t.decisions.ListRecentEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	var out []*data.EventStatus
	for _, id := range ids {
		st, err := t.project(ctx, id)
		if errors.Is(err, data.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if st.State == data.StatePending {
			out = append(out, st)
		}
	}
	return out, nil
}

func (t *Tracker) many(ctx context.Context, ids []string) ([]*data.EventStatus, error) {
	out := make([]*data.EventStatus, 0, len(ids))
	for _, id := range ids {
		st, err := t.GetStatus(ctx, id)
		if errors.Is(err, data.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (t *Tracker) project(ctx context.Context, eventID string) (*data.EventStatus, error) {
	decision, err := t.decisions.Get(ctx, eventID)
	if errors.Is(err, data.ErrRecordNotFound) {
		f, ferr := t.failures.Get(ctx, eventID)
		if ferr != nil {
			return nil, ferr
		}
		return &data.EventStatus{
			EventID:      eventID,
			State:        data.StateFailed,
			Destinations: []data.DestinationStatus{},
			Reason:       f.Reason,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	st := &data.EventStatus{
		EventID:       eventID,
		MatchedRuleID: decision.MatchedRuleID,
		Destinations:  make([]data.DestinationStatus, 0, len(decision.Destinations)),
	}
	if len(decision.Destinations) == 0 {
		st.State = data.StateUnrouted
		return st, nil
	}

	attempts, err := t.attempts.List(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", eventID, err)
	}
	for _, target := range decision.Destinations {
		st.Destinations = append(st.Destinations, destinationStatus(target, attempts))
	}
	st.State = overall(st.Destinations)
	return st, nil
}

// destinationStatus folds the attempt log of one target into its current
// status. A failure followed by a retry still counts as pending.
func destinationStatus(target data.Target, attempts []data.DispatchAttempt) data.DestinationStatus {
	ds := data.DestinationStatus{Destination: target, Status: data.AttemptPending}
	for _, a := range attempts {
		if a.Destination != target {
			continue
		}
		if a.AttemptNumber > ds.Attempts {
			ds.Attempts = a.AttemptNumber
		}
		ds.UpdatedAt = a.Timestamp
		switch {
		case a.Status == data.AttemptSuccess:
			ds.Status = data.AttemptSuccess
			ds.Ref = a.Ref
		case a.Status == data.AttemptFailed && !a.Retryable:
			ds.Status = data.AttemptFailed
			ds.LastError = a.ErrorDetail
		case a.Status == data.AttemptFailed:
			ds.Status = data.AttemptPending
			ds.LastError = a.ErrorDetail
		default:
			ds.Status = data.AttemptPending
		}
	}
	return ds
}

func overall(dests []data.DestinationStatus) data.EventState {
	allOK := true
	for _, d := range dests {
		switch d.Status {
		case data.AttemptPending:
			return data.StatePending
		case data.AttemptFailed:
			allOK = false
		}
	}
	if allOK {
		return data.StateDispatched
	}
	return data.StateFailed
}
