package data

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvent_ValidateRange(t *testing.T) {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	ok := Event{ID: "a", StartTimestamp: start, EndTimestamp: start.Add(5 * time.Second)}
	assert.NoError(t, ok.ValidateRange())
	assert.Equal(t, 5*time.Second, ok.Duration())

	same := Event{ID: "b", StartTimestamp: start, EndTimestamp: start}
	assert.NoError(t, same.ValidateRange())

	bad := Event{ID: "c", StartTimestamp: start, EndTimestamp: start.Add(-time.Second)}
	err := bad.ValidateRange()
	var rangeErr *InvalidEventRangeError
	assert.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, "c", rangeErr.EventID)
}

func TestParseDestination(t *testing.T) {
	tests := []struct {
		in   string
		want Destination
	}{
		{"search", DestinationSearch},
		{"add to search", DestinationSearch},
		{"Summarize", DestinationSummary},
		{"summary", DestinationSummary},
		{"both", DestinationBoth},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDestination(tt.in)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseDestination("archive")
	assert.Error(t, err)
}

func TestDestination_Targets(t *testing.T) {
	assert.Equal(t, []Target{TargetSearch}, DestinationSearch.Targets())
	assert.Equal(t, []Target{TargetSummary}, DestinationSummary.Targets())
	assert.Equal(t, []Target{TargetSearch, TargetSummary}, DestinationBoth.Targets())
	assert.Nil(t, Destination("x").Targets())
}

func TestRule_AppliesToCamera(t *testing.T) {
	all := Rule{CameraScope: []string{CameraScopeAll}}
	assert.True(t, all.AppliesToCamera("anything"))

	empty := Rule{}
	assert.True(t, empty.AppliesToCamera("anything"))

	scoped := Rule{CameraScope: []string{"front", "back"}}
	assert.True(t, scoped.AppliesToCamera("back"))
	assert.False(t, scoped.AppliesToCamera("garage"))
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("06:30")
	assert.NoError(t, err)
	assert.Equal(t, 390, m)

	_, err = ParseClock("25:00")
	assert.Error(t, err)
}
