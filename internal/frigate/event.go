package frigate

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/technosupport/nvr-router/internal/data"
)

// MaxClipDuration bounds clips cut from a camera recording by time range.
const MaxClipDuration = 300 * time.Second

var (
	// ErrInProgress marks an event that has not ended yet. It is not an
	// error for the caller; the event is picked up again once it ends.
	ErrInProgress = errors.New("event still in progress")
	// ErrFalsePositive marks events Frigate itself flagged as false positives.
	ErrFalsePositive = errors.New("event flagged as false positive")
	// ErrInvalidClipRange is returned for clip ranges Frigate would refuse.
	ErrInvalidClipRange = errors.New("invalid clip range")
)

// Event is the Frigate event shape shared by GET /api/events items and the
// "before"/"after" blocks of frigate/events MQTT messages.
type Event struct {
	ID            string          `json:"id"`
	Camera        string          `json:"camera"`
	Label         string          `json:"label"`
	SubLabel      json.RawMessage `json:"sub_label,omitempty"`
	StartTime     *float64        `json:"start_time"`
	EndTime       *float64        `json:"end_time"`
	TopScore      *float64        `json:"top_score,omitempty"`
	Score         *float64        `json:"score,omitempty"`
	HasClip       bool            `json:"has_clip"`
	FalsePositive *bool           `json:"false_positive,omitempty"`
	Zones         []string        `json:"zones,omitempty"`
	EnteredZones  []string        `json:"entered_zones,omitempty"`
	Data          *EventData      `json:"data,omitempty"`
}

type EventData struct {
	Type     string   `json:"type"`
	Score    *float64 `json:"score,omitempty"`
	TopScore *float64 `json:"top_score,omitempty"`
}

// Message is a frigate/events MQTT payload.
type Message struct {
	Type   string `json:"type"` // new, update, end
	Before *Event `json:"before"`
	After  *Event `json:"after"`
}

// Normalize converts a Frigate event into the router's event model.
func Normalize(raw Event, source string, receivedAt time.Time) (data.Event, error) {
	malformed := func(field, reason string) error {
		return &data.MalformedEventError{Source: source, EventID: raw.ID, Field: field, Reason: reason}
	}

	switch {
	case raw.ID == "":
		return data.Event{}, malformed("id", "missing")
	case raw.Camera == "":
		return data.Event{}, malformed("camera", "missing")
	case raw.Label == "":
		return data.Event{}, malformed("label", "missing")
	case raw.StartTime == nil || *raw.StartTime <= 0:
		return data.Event{}, malformed("start_time", "missing or not positive")
	}
	if raw.EndTime == nil {
		return data.Event{}, ErrInProgress
	}
	if raw.FalsePositive != nil && *raw.FalsePositive {
		return data.Event{}, ErrFalsePositive
	}

	conf := firstScore(raw)
	if conf < 0 || conf > 1 {
		return data.Event{}, malformed("score", fmt.Sprintf("%.3f outside [0,1]", conf))
	}

	evt := data.Event{
		ID:             raw.ID,
		CameraID:       raw.Camera,
		EventType:      "object",
		Label:          raw.Label,
		SubLabel:       parseSubLabel(raw.SubLabel),
		StartTimestamp: data.UnixFloat(*raw.StartTime),
		EndTimestamp:   data.UnixFloat(*raw.EndTime),
		Confidence:     conf,
		HasClip:        raw.HasClip,
		Zones:          raw.EnteredZones,
		Source:         source,
		ReceivedAt:     receivedAt.UTC(),
	}
	if len(evt.Zones) == 0 {
		evt.Zones = raw.Zones
	}
	if raw.Data != nil && raw.Data.Type != "" {
		evt.EventType = raw.Data.Type
	}
	evt.SourceClipRef = ClipRef(evt)
	return evt, nil
}

// ClipRef is the Frigate API path for the event's clip. Events recorded
// with a clip use it directly; others are cut from the camera recording,
// capped at MaxClipDuration.
func ClipRef(evt data.Event) string {
	if evt.HasClip {
		return fmt.Sprintf("/api/events/%s/clip.mp4", evt.ID)
	}
	start := evt.StartTimestamp
	end := evt.EndTimestamp
	if end.Sub(start) > MaxClipDuration {
		end = start.Add(MaxClipDuration)
	}
	return rangeClipPath(evt.CameraID, start.Unix(), end.Unix())
}

func rangeClipPath(camera string, start, end int64) string {
	return fmt.Sprintf("/api/%s/start/%d/end/%d/clip.mp4", camera, start, end)
}

func firstScore(raw Event) float64 {
	candidates := []*float64{raw.TopScore, raw.Score}
	if raw.Data != nil {
		candidates = append([]*float64{raw.Data.TopScore, raw.Data.Score}, candidates...)
	}
	for _, c := range candidates {
		if c != nil {
			return *c
		}
	}
	return 0
}

// parseSubLabel handles both the plain string form and the [name, score]
// form newer Frigate versions send.
func parseSubLabel(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var pair []any
	if err := json.Unmarshal(raw, &pair); err == nil && len(pair) > 0 {
		if s, ok := pair[0].(string); ok {
			return s
		}
	}
	return ""
}
