package routing

import (
	"strings"
	"time"

	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/rules"
)

// Matcher evaluates rule criteria against an event. It only reads event
// timestamps, so the same event always yields the same result.
type Matcher struct {
	loc *time.Location
}

// NewMatcher uses loc for time-of-day windows that carry no timezone.
func NewMatcher(loc *time.Location) *Matcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Matcher{loc: loc}
}

// Evaluate returns the first rule in snapshot order that covers the event's
// camera and whose criteria hold, or nil.
func (m *Matcher) Evaluate(snap *rules.Snapshot, evt data.Event) *data.Rule {
	for _, r := range snap.Rules {
		if !r.AppliesToCamera(evt.CameraID) {
			continue
		}
		if m.Matches(r.Criteria, evt) {
			return r
		}
	}
	return nil
}

func (m *Matcher) Matches(c data.Criteria, evt data.Event) bool {
	if c.IsEmpty() {
		return true
	}
	if len(c.EventTypes) > 0 && !containsFold(c.EventTypes, evt.EventType) {
		return false
	}
	if len(c.Labels) > 0 && !containsFold(c.Labels, evt.Label) && (evt.SubLabel == "" || !containsFold(c.Labels, evt.SubLabel)) {
		return false
	}
	// the event has to have entered at least one of the zones
	if len(c.Zones) > 0 && !anyFold(c.Zones, evt.Zones) {
		return false
	}
	if c.MinConfidence != nil && evt.Confidence < *c.MinConfidence {
		return false
	}
	secs := evt.Duration().Seconds()
	if c.MinDurationSeconds != nil && secs < *c.MinDurationSeconds {
		return false
	}
	if c.MaxDurationSeconds != nil && secs > *c.MaxDurationSeconds {
		return false
	}
	if c.TimeOfDay != nil && !m.inWindow(*c.TimeOfDay, evt.StartTimestamp) {
		return false
	}
	return true
}

// inWindow checks the event start against a daily [start, end) window. A
// window whose end is before its start spans midnight.
func (m *Matcher) inWindow(w data.TimeWindow, ts time.Time) bool {
	start, err := data.ParseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := data.ParseClock(w.End)
	if err != nil {
		return false
	}

	loc := m.loc
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := ts.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func anyFold(list, values []string) bool {
	for _, v := range values {
		if containsFold(list, v) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
