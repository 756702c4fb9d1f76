package data

import (
	"fmt"
	"strings"
	"time"
)

// CameraScopeAll in a rule's camera scope matches every camera.
const CameraScopeAll = "all"

type Destination string

const (
	DestinationSearch  Destination = "search"
	DestinationSummary Destination = "summary"
	DestinationBoth    Destination = "both"
)

// ParseDestination accepts the canonical names plus the action strings used by
// the NVR UI ("summarize", "add to search").
func ParseDestination(s string) (Destination, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "search", "add to search":
		return DestinationSearch, nil
	case "summary", "summarize":
		return DestinationSummary, nil
	case "both":
		return DestinationBoth, nil
	}
	return "", fmt.Errorf("unknown destination %q", s)
}

// Targets expands the destination into the concrete pipelines, search first.
func (d Destination) Targets() []Target {
	switch d {
	case DestinationSearch:
		return []Target{TargetSearch}
	case DestinationSummary:
		return []Target{TargetSummary}
	case DestinationBoth:
		return []Target{TargetSearch, TargetSummary}
	}
	return nil
}

type Rule struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Enabled     bool        `json:"enabled" yaml:"enabled"`
	CameraScope []string    `json:"camera_scope" yaml:"camera_scope"`
	Criteria    Criteria    `json:"criteria" yaml:"criteria"`
	Destination Destination `json:"destination" yaml:"destination"`
	Priority    int         `json:"priority" yaml:"priority"`
	CreatedAt   time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time   `json:"updated_at" yaml:"-"`
}

// AppliesToCamera reports whether the rule's camera scope covers camera.
// An empty scope behaves like "all".
func (r *Rule) AppliesToCamera(camera string) bool {
	if len(r.CameraScope) == 0 {
		return true
	}
	for _, c := range r.CameraScope {
		if c == CameraScopeAll || c == camera {
			return true
		}
	}
	return false
}

// Criteria is the trigger predicate of a rule. Every populated field must
// hold; an empty Criteria matches any event.
type Criteria struct {
	EventTypes         []string    `json:"event_types,omitempty" yaml:"event_types"`
	Labels             []string    `json:"labels,omitempty" yaml:"labels"`
	Zones              []string    `json:"zones,omitempty" yaml:"zones"`
	MinConfidence      *float64    `json:"min_confidence,omitempty" yaml:"min_confidence"`
	TimeOfDay          *TimeWindow `json:"time_of_day,omitempty" yaml:"time_of_day"`
	MinDurationSeconds *float64    `json:"min_duration_seconds,omitempty" yaml:"min_duration_seconds"`
	MaxDurationSeconds *float64    `json:"max_duration_seconds,omitempty" yaml:"max_duration_seconds"`
}

func (c Criteria) IsEmpty() bool {
	return len(c.EventTypes) == 0 &&
		len(c.Labels) == 0 &&
		len(c.Zones) == 0 &&
		c.MinConfidence == nil &&
		c.TimeOfDay == nil &&
		c.MinDurationSeconds == nil &&
		c.MaxDurationSeconds == nil
}

// TimeWindow is a daily window in HH:MM. End before Start wraps midnight.
type TimeWindow struct {
	Start    string `json:"start" yaml:"start"`
	End      string `json:"end" yaml:"end"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone"`
}

// ParseClock converts "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
