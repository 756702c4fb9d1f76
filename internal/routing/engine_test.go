package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/rules"
)

type recordedFailures struct {
	mu   sync.Mutex
	byID map[string]string
}

func (r *recordedFailures) RecordFailure(_ context.Context, eventID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID == nil {
		r.byID = make(map[string]string)
	}
	r.byID[eventID] = reason
	return nil
}

type fixture struct {
	engine    *Engine
	store     *rules.Store
	decisions data.DecisionModel
	failures  *recordedFailures
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := rules.NewStore(data.RuleModel{Client: rdb}, zap.NewNop())
	decisions := data.DecisionModel{Client: rdb}
	failures := &recordedFailures{}
	return &fixture{
		engine:    NewEngine(store, decisions, failures, NewMatcher(time.UTC), zap.NewNop()),
		store:     store,
		decisions: decisions,
		failures:  failures,
	}
}

func (f *fixture) addRule(t *testing.T, r *data.Rule) {
	t.Helper()
	r.Enabled = true
	_, err := f.store.Upsert(context.Background(), r)
	require.NoError(t, err)
}

func TestEngine_RouteMatchExpandsDestination(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, &data.Rule{ID: "people", Criteria: data.Criteria{Labels: []string{"person"}}, Destination: data.DestinationBoth})

	d, err := f.engine.Route(context.Background(), baseEvent())
	require.NoError(t, err)
	require.NotNil(t, d.MatchedRuleID)
	assert.Equal(t, "people", *d.MatchedRuleID)
	assert.Equal(t, []data.Target{data.TargetSearch, data.TargetSummary}, d.Destinations)
	assert.Equal(t, "front", d.CameraID)
}

func TestEngine_RouteNoMatch(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, &data.Rule{ID: "cars", Criteria: data.Criteria{Labels: []string{"car"}}, Destination: data.DestinationSearch})

	d, err := f.engine.Route(context.Background(), baseEvent())
	require.NoError(t, err)
	assert.Nil(t, d.MatchedRuleID)
	assert.Empty(t, d.Destinations)

	stored, err := f.decisions.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, stored.ID)
}

func TestEngine_PriorityAndTieBreak(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, &data.Rule{ID: "b-rule", Priority: 5, Destination: data.DestinationSearch})
	f.addRule(t, &data.Rule{ID: "a-rule", Priority: 5, Destination: data.DestinationSummary})
	f.addRule(t, &data.Rule{ID: "low", Priority: 1, Destination: data.DestinationBoth})

	d, err := f.engine.Route(context.Background(), baseEvent())
	require.NoError(t, err)
	assert.Equal(t, "a-rule", *d.MatchedRuleID)
	assert.Equal(t, []data.Target{data.TargetSummary}, d.Destinations)
}

func TestEngine_IdempotentAcrossRuleChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addRule(t, &data.Rule{ID: "people", Criteria: data.Criteria{Labels: []string{"person"}}, Destination: data.DestinationSearch})

	first, err := f.engine.Route(ctx, baseEvent())
	require.NoError(t, err)

	require.NoError(t, f.store.Delete(ctx, "people"))
	f.addRule(t, &data.Rule{ID: "everything", Priority: 99, Destination: data.DestinationBoth})

	second, err := f.engine.Route(ctx, baseEvent())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "people", *second.MatchedRuleID)
	assert.Equal(t, []data.Target{data.TargetSearch}, second.Destinations)

	other := baseEvent()
	other.ID = "evt-2"
	third, err := f.engine.Route(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, "everything", *third.MatchedRuleID)
}

func TestEngine_ConcurrentRouteSameEvent(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, &data.Rule{ID: "all", Destination: data.DestinationSearch})

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := f.engine.Route(context.Background(), baseEvent())
			if err == nil {
				ids[i] = d.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.NotEmpty(t, ids[0])
}

func TestEngine_InvalidRange(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, &data.Rule{ID: "all", Destination: data.DestinationBoth})

	evt := baseEvent()
	evt.EndTimestamp = evt.StartTimestamp.Add(-time.Second)

	d, err := f.engine.Route(context.Background(), evt)
	assert.Nil(t, d)
	var rangeErr *data.InvalidEventRangeError
	require.True(t, errors.As(err, &rangeErr))

	_, err = f.decisions.Get(context.Background(), evt.ID)
	assert.ErrorIs(t, err, data.ErrRecordNotFound)
	assert.Contains(t, f.failures.byID, evt.ID)
}

func TestEngine_TimeWindowUsesEventTimestamp(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, &data.Rule{
		ID:          "night",
		Criteria:    data.Criteria{TimeOfDay: &data.TimeWindow{Start: "20:00", End: "06:00"}},
		Destination: data.DestinationSummary,
	})

	evt := baseEvent()
	evt.StartTimestamp = time.Date(2020, 1, 1, 2, 0, 0, 0, time.UTC)
	evt.EndTimestamp = evt.StartTimestamp.Add(time.Minute)

	d, err := f.engine.Route(context.Background(), evt)
	require.NoError(t, err)
	require.NotNil(t, d.MatchedRuleID)
	assert.Equal(t, "night", *d.MatchedRuleID)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	assert.Empty(t, k.locks)
}
