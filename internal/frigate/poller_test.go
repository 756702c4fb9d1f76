package frigate

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
)

// fakeLister serves events the way Frigate does: newest first, filtered by
// the exclusive after/before bounds and cut to limit.
type fakeLister struct {
	mu      sync.Mutex
	events  []Event
	err     error
	queries []EventQuery
}

func (f *fakeLister) Events(_ context.Context, q EventQuery) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	var out []Event
	for i := len(f.events) - 1; i >= 0; i-- {
		e := f.events[i]
		s := data.UnixFloat(*e.StartTime)
		if !q.After.IsZero() && !s.After(q.After) {
			continue
		}
		if !q.Before.IsZero() && !s.Before(q.Before) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func eventAt(id string, start float64, ended bool) Event {
	e := Event{ID: id, Camera: "front", Label: "person", StartTime: f64(start), TopScore: f64(0.9)}
	if ended {
		e.EndTime = f64(start + 5)
	}
	return e
}

func newTestPoller(t *testing.T, lister EventLister, cfg PollerConfig) (*Poller, data.OffsetModel) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	offsets := data.OffsetModel{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}

	cfg.Enabled = true
	p := NewPoller(lister, offsets, NewDedup(100, time.Hour), cfg, zap.NewNop())
	p.now = func() time.Time { return time.Unix(1700000500, 0) }
	return p, offsets
}

func drain(ch chan data.Event) []string {
	var ids []string
	for {
		select {
		case e := <-ch:
			ids = append(ids, e.ID)
		default:
			return ids
		}
	}
}

// route drains ch and acks every event as the pipeline would once its
// decision is stored.
func route(d *Dedup, ch chan data.Event) []string {
	var ids []string
	for {
		select {
		case e := <-ch:
			d.Ack(e, nil)
			ids = append(ids, e.ID)
		default:
			return ids
		}
	}
}

func TestPoller_EmitsOldestFirstAndAdvancesOffset(t *testing.T) {
	lister := &fakeLister{events: []Event{
		eventAt("a", 1700000100, true),
		eventAt("b", 1700000200, true),
		eventAt("c", 1700000300, true),
	}}
	p, offsets := newTestPoller(t, lister, PollerConfig{})
	out := make(chan data.Event, 10)

	n, err := p.PollOnce(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, route(p.dedup, out))

	// nothing was routed when the cycle committed, so the offset waits on a
	off, err := offsets.GetOffset(context.Background(), offsetSource)
	require.NoError(t, err)
	assert.Equal(t, data.UnixFloat(1700000100).Add(-time.Microsecond), off)

	n, err = p.PollOnce(context.Background(), out)
	require.NoError(t, err)
	assert.Zero(t, n)

	off, err = offsets.GetOffset(context.Background(), offsetSource)
	require.NoError(t, err)
	assert.Equal(t, data.UnixFloat(1700000300), off)
}

func TestPoller_HoldsOffsetUntilEventIsRouted(t *testing.T) {
	lister := &fakeLister{events: []Event{
		eventAt("a", 1700000100, true),
		eventAt("b", 1700000200, true),
	}}
	p, offsets := newTestPoller(t, lister, PollerConfig{})
	out := make(chan data.Event, 10)

	_, err := p.PollOnce(context.Background(), out)
	require.NoError(t, err)
	got := drain(out)
	require.Equal(t, []string{"a", "b"}, got)

	// a is routed, b failed and has to come back
	p.dedup.Ack(data.Event{ID: "a"}, nil)
	p.dedup.Ack(data.Event{ID: "b"}, errors.New("redis down"))

	n, err := p.PollOnce(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b"}, drain(out))

	off, err := offsets.GetOffset(context.Background(), offsetSource)
	require.NoError(t, err)
	assert.Equal(t, data.UnixFloat(1700000200).Add(-time.Microsecond), off)
}

func TestPoller_HoldsOffsetForInProgressEvent(t *testing.T) {
	lister := &fakeLister{events: []Event{
		eventAt("a", 1700000100, true),
		eventAt("long", 1700000200, false),
		eventAt("c", 1700000300, true),
	}}
	p, offsets := newTestPoller(t, lister, PollerConfig{})
	out := make(chan data.Event, 10)

	_, err := p.PollOnce(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, route(p.dedup, out))

	_, err = p.PollOnce(context.Background(), out)
	require.NoError(t, err)
	assert.Empty(t, drain(out))

	off, err := offsets.GetOffset(context.Background(), offsetSource)
	require.NoError(t, err)
	assert.Equal(t, data.UnixFloat(1700000200).Add(-time.Microsecond), off)

	lister.mu.Lock()
	lister.events[1].EndTime = f64(1700000400)
	lister.mu.Unlock()

	_, err = p.PollOnce(context.Background(), out)
	require.NoError(t, err)
	// c is fetched again but suppressed by dedup
	assert.Equal(t, []string{"long"}, route(p.dedup, out))

	_, err = p.PollOnce(context.Background(), out)
	require.NoError(t, err)
	off, err = offsets.GetOffset(context.Background(), offsetSource)
	require.NoError(t, err)
	assert.Equal(t, data.UnixFloat(1700000300), off)
}

func TestPoller_BacklogLargerThanPageBudget(t *testing.T) {
	var events []Event
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		events = append(events, eventAt(id, float64(1700000100+i*10), true))
	}
	lister := &fakeLister{events: events}
	p, offsets := newTestPoller(t, lister, PollerConfig{MaxEventsPerPoll: 1, MaxPages: 2})
	out := make(chan data.Event, 10)

	var got []string
	for i := 0; i < 5; i++ {
		_, err := p.PollOnce(context.Background(), out)
		require.NoError(t, err)
		got = append(got, route(p.dedup, out)...)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, got)

	// the offset never passes an event that was not handed out yet
	off, err := offsets.GetOffset(context.Background(), offsetSource)
	require.NoError(t, err)
	assert.False(t, off.After(data.UnixFloat(1700000140)))
}

// cancellingLister cancels the poll context once the fetch is done, the way a
// shutdown lands while the poller is blocked on a full queue.
type cancellingLister struct {
	*fakeLister
	cancel context.CancelFunc
}

func (c cancellingLister) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	defer c.cancel()
	return c.fakeLister.Events(ctx, q)
}

func TestPoller_CancelledSendLeavesEventUnmarked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lister := cancellingLister{
		fakeLister: &fakeLister{events: []Event{eventAt("a", 1700000100, true)}},
		cancel:     cancel,
	}
	p, offsets := newTestPoller(t, lister, PollerConfig{})

	_, err := p.PollOnce(ctx, make(chan data.Event))
	require.ErrorIs(t, err, context.Canceled)

	assert.False(t, p.dedup.Seen("a"))
	_, err = offsets.GetOffset(context.Background(), offsetSource)
	assert.ErrorIs(t, err, data.ErrRecordNotFound)
}

func TestPoller_PagesBackwards(t *testing.T) {
	var events []Event
	for i := 0; i < 7; i++ {
		events = append(events, eventAt(string(rune('a'+i)), float64(1700000100+i*10), true))
	}
	lister := &fakeLister{events: events}
	p, _ := newTestPoller(t, lister, PollerConfig{MaxEventsPerPoll: 3})
	out := make(chan data.Event, 10)

	n, err := p.PollOnce(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g"}, drain(out))
	assert.Len(t, lister.queries, 3)
}

func TestPoller_SkipsMalformedAndFalsePositives(t *testing.T) {
	bad := eventAt("bad", 1700000150, true)
	bad.Label = ""
	fp := eventAt("fp", 1700000160, true)
	yes := true
	fp.FalsePositive = &yes

	lister := &fakeLister{events: []Event{eventAt("a", 1700000100, true), bad, fp}}
	p, _ := newTestPoller(t, lister, PollerConfig{})
	out := make(chan data.Event, 10)

	n, err := p.PollOnce(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, drain(out))
}

func TestPoller_BacksOffAfterFailure(t *testing.T) {
	lister := &fakeLister{err: errors.New("connection refused")}
	p, _ := newTestPoller(t, lister, PollerConfig{Backoff: time.Minute})

	_, err := p.PollOnce(context.Background(), make(chan data.Event, 1))
	require.Error(t, err)
	assert.Equal(t, 1, p.consecutiveFailures)
	assert.True(t, p.backingOff())

	base := p.now()
	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.False(t, p.backingOff())
}

func TestPoller_SharesDedupWithSubscriber(t *testing.T) {
	lister := &fakeLister{events: []Event{eventAt("a", 1700000100, true)}}
	p, _ := newTestPoller(t, lister, PollerConfig{})
	p.dedup.Mark("a")

	n, err := p.PollOnce(context.Background(), make(chan data.Event, 1))
	require.NoError(t, err)
	assert.Zero(t, n)
}
