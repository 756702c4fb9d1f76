package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/technosupport/nvr-router/internal/data"
)

var ruleIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// Validate checks a rule before it enters the store.
func Validate(r *data.Rule) *ValidationError {
	var details []ErrorDetail

	if !ruleIDRe.MatchString(r.ID) {
		details = append(details, ErrorDetail{Field: "id", Problem: "invalid", Hint: "1-128 chars of letters, digits, _ . : -"})
	}
	if r.Destination.Targets() == nil {
		details = append(details, ErrorDetail{Field: "destination", Problem: "unsupported", Hint: "Use search, summary or both"})
	}
	for i, c := range r.CameraScope {
		if strings.TrimSpace(c) == "" {
			details = append(details, ErrorDetail{Field: fmt.Sprintf("camera_scope[%d]", i), Problem: "empty"})
		}
	}

	c := r.Criteria
	for i, l := range c.Labels {
		if strings.TrimSpace(l) == "" {
			details = append(details, ErrorDetail{Field: fmt.Sprintf("criteria.labels[%d]", i), Problem: "empty"})
		}
	}
	for i, z := range c.Zones {
		if strings.TrimSpace(z) == "" {
			details = append(details, ErrorDetail{Field: fmt.Sprintf("criteria.zones[%d]", i), Problem: "empty"})
		}
	}
	for i, et := range c.EventTypes {
		if strings.TrimSpace(et) == "" {
			details = append(details, ErrorDetail{Field: fmt.Sprintf("criteria.event_types[%d]", i), Problem: "empty"})
		}
	}
	if c.MinConfidence != nil && (*c.MinConfidence < 0 || *c.MinConfidence > 1) {
		details = append(details, ErrorDetail{Field: "criteria.min_confidence", Problem: "out of range", Hint: "0 to 1"})
	}
	if c.MinDurationSeconds != nil && *c.MinDurationSeconds < 0 {
		details = append(details, ErrorDetail{Field: "criteria.min_duration_seconds", Problem: "negative"})
	}
	if c.MaxDurationSeconds != nil && *c.MaxDurationSeconds < 0 {
		details = append(details, ErrorDetail{Field: "criteria.max_duration_seconds", Problem: "negative"})
	}
	if c.MinDurationSeconds != nil && c.MaxDurationSeconds != nil && *c.MinDurationSeconds > *c.MaxDurationSeconds {
		details = append(details, ErrorDetail{Field: "criteria.max_duration_seconds", Problem: "below minimum", Hint: "max_duration_seconds >= min_duration_seconds"})
	}
	if w := c.TimeOfDay; w != nil {
		if _, err := data.ParseClock(w.Start); err != nil {
			details = append(details, ErrorDetail{Field: "criteria.time_of_day.start", Problem: "invalid", Hint: "HH:MM"})
		}
		if _, err := data.ParseClock(w.End); err != nil {
			details = append(details, ErrorDetail{Field: "criteria.time_of_day.end", Problem: "invalid", Hint: "HH:MM"})
		}
		if w.Start == w.End && w.Start != "" {
			details = append(details, ErrorDetail{Field: "criteria.time_of_day", Problem: "empty window", Hint: "start and end must differ"})
		}
		if w.Timezone != "" {
			if _, err := time.LoadLocation(w.Timezone); err != nil {
				details = append(details, ErrorDetail{Field: "criteria.time_of_day.timezone", Problem: "unknown", Hint: "IANA name such as Europe/Berlin"})
			}
		}
	}

	if len(details) > 0 {
		return &ValidationError{RuleID: r.ID, Details: details}
	}
	return nil
}
