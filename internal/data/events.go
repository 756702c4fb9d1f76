package data

import (
	"fmt"
	"time"
)

// Event sources
const (
	SourcePoll = "poll"
	SourceMQTT = "mqtt"
	SourceAPI  = "api"
)

// Event is a camera event normalized from the VMS. It is never modified after
// the source adapter emits it.
type Event struct {
	ID             string    `json:"id"`
	CameraID       string    `json:"camera_id"`
	EventType      string    `json:"event_type"`
	Label          string    `json:"label"`
	SubLabel       string    `json:"sub_label,omitempty"`
	StartTimestamp time.Time `json:"start_timestamp"`
	EndTimestamp   time.Time `json:"end_timestamp"`
	Confidence     float64   `json:"confidence"`
	SourceClipRef  string    `json:"source_clip_ref"`
	HasClip        bool      `json:"has_clip"`
	Zones          []string  `json:"zones,omitempty"`

	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`
}

// Duration is the span between start and end. It is negative for inverted
// ranges; callers check ValidateRange first.
func (e Event) Duration() time.Duration {
	return e.EndTimestamp.Sub(e.StartTimestamp)
}

// ValidateRange reports an inverted time range.
func (e Event) ValidateRange() error {
	if e.EndTimestamp.Before(e.StartTimestamp) {
		return &InvalidEventRangeError{EventID: e.ID, Start: e.StartTimestamp, End: e.EndTimestamp}
	}
	return nil
}

// MalformedEventError is returned by normalizers for payloads missing a
// required field or carrying an unparseable one.
type MalformedEventError struct {
	Source  string
	EventID string
	Field   string
	Reason  string
}

func (e *MalformedEventError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("malformed %s event %s: %s: %s", e.Source, e.EventID, e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed %s event: %s: %s", e.Source, e.Field, e.Reason)
}

// InvalidEventRangeError marks an event whose end precedes its start.
type InvalidEventRangeError struct {
	EventID string
	Start   time.Time
	End     time.Time
}

func (e *InvalidEventRangeError) Error() string {
	return fmt.Sprintf("event %s: end %s precedes start %s",
		e.EventID, e.End.Format(time.RFC3339Nano), e.Start.Format(time.RFC3339Nano))
}
