package data

import "time"

// Target is a downstream pipeline an event can be forwarded to.
type Target string

const (
	TargetSearch  Target = "search"
	TargetSummary Target = "summary"
)

type RoutingDecision struct {
	ID             string    `json:"id"`
	EventID        string    `json:"event_id"`
	CameraID       string    `json:"camera_id"`
	MatchedRuleID  *string   `json:"matched_rule_id"`
	Destinations   []Target  `json:"destinations"`
	DecidedAt      time.Time `json:"decided_at"`
	RuleSetVersion uint64    `json:"rule_set_version"`
}

func (d *RoutingDecision) Matched() bool {
	return d.MatchedRuleID != nil
}

type AttemptStatus string

const (
	AttemptPending AttemptStatus = "pending"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

// DispatchAttempt is one delivery try of an event to one target. Records are
// appended, never rewritten: a pending record is followed by its outcome.
type DispatchAttempt struct {
	ID            string        `json:"id"`
	DecisionID    string        `json:"decision_id"`
	EventID       string        `json:"event_id"`
	Destination   Target        `json:"destination"`
	AttemptNumber int           `json:"attempt_number"`
	Status        AttemptStatus `json:"status"`
	Timestamp     time.Time     `json:"timestamp"`
	ErrorDetail   string        `json:"error_detail,omitempty"`
	// Retryable on a failed record means another attempt follows it.
	Retryable bool `json:"retryable,omitempty"`
	// Ref is the downstream identifier: video id for search, summary
	// pipeline id for summary.
	Ref string `json:"ref,omitempty"`
}

// EventFailure records why an event could not be routed.
type EventFailure struct {
	EventID    string    `json:"event_id"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

type EventState string

const (
	StatePending    EventState = "pending"
	StateDispatched EventState = "dispatched"
	StateFailed     EventState = "failed"
	StateUnrouted   EventState = "unrouted"
)

type DestinationStatus struct {
	Destination Target        `json:"destination"`
	Status      AttemptStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"last_error,omitempty"`
	Ref         string        `json:"ref,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type EventStatus struct {
	EventID       string              `json:"event_id"`
	State         EventState          `json:"state"`
	MatchedRuleID *string             `json:"matched_rule_id,omitempty"`
	Destinations  []DestinationStatus `json:"destinations"`
	Reason        string              `json:"reason,omitempty"`
}
