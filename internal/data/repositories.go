package data

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRecordNotFound = errors.New("record not found")
)

// Redis key layout. Everything the router owns lives under "router:".
const (
	keyRules         = "router:rules"
	keyDecisionFmt   = "router:decision:%s"
	keyRuleEventsFmt = "router:rule:%s:events"
	keyRecentEvents  = "router:events:recent"
	keyAttemptsFmt   = "router:attempts:%s"
	keyFailures      = "router:failures"
	keyOffsetFmt     = "router:offset:%s"
	keyEventFmt      = "router:event:%s"

	recentEventsCap = 1000
	ruleEventsCap   = 1000
)

type RuleRepository interface {
	Save(ctx context.Context, r *Rule) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]*Rule, error)
}

type DecisionRepository interface {
	// Create stores d unless a decision for the same event already exists, in
	// which case the stored one is returned with created=false.
	Create(ctx context.Context, d *RoutingDecision) (stored *RoutingDecision, created bool, err error)
	Get(ctx context.Context, eventID string) (*RoutingDecision, error)
	ListEventsByRule(ctx context.Context, ruleID string, limit int) ([]string, error)
	ListRecentEvents(ctx context.Context, limit int) ([]string, error)
}

// EventRepository keeps the events behind stored decisions so an interrupted
// dispatch can be resumed.
type EventRepository interface {
	Save(ctx context.Context, evt Event) error
	Get(ctx context.Context, id string) (*Event, error)
}

type AttemptRepository interface {
	Append(ctx context.Context, a *DispatchAttempt) error
	List(ctx context.Context, eventID string) ([]DispatchAttempt, error)
}

type FailureRepository interface {
	Record(ctx context.Context, f *EventFailure) error
	Get(ctx context.Context, eventID string) (*EventFailure, error)
}

type OffsetRepository interface {
	GetOffset(ctx context.Context, source string) (time.Time, error)
	SetOffset(ctx context.Context, source string, ts time.Time) error
}
