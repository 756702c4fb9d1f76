package frigate

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/metrics"
)

const offsetSource = "frigate"

type EventLister interface {
	Events(ctx context.Context, q EventQuery) ([]Event, error)
}

type PollerConfig struct {
	Enabled          bool
	PollInterval     time.Duration
	MaxEventsPerPoll int
	MaxPages         int
	Lookback         time.Duration
	TimeBudget       time.Duration
	Backoff          time.Duration
}

// Poller pulls ended events from the Frigate REST API. Its offset only
// moves past an event once the pipeline has routed it, and is held back to
// the earliest event still in progress so that event is fetched again once
// it ends. A restarted poller resumes from the stored offset.
type Poller struct {
	client  EventLister
	offsets data.OffsetRepository
	dedup   *Dedup
	cfg     PollerConfig
	log     *zap.Logger
	now     func() time.Time

	// backfillBefore is set while a backlog larger than the page budget is
	// being read: the next cycle reads the events older than it. runMax and
	// runHold carry the offset candidates across the cycles of one backfill.
	backfillBefore time.Time
	runMax         time.Time
	runHold        *time.Time

	consecutiveFailures int
	lastFailure         time.Time
}

func NewPoller(client EventLister, offsets data.OffsetRepository, dedup *Dedup, cfg PollerConfig, log *zap.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxEventsPerPoll <= 0 {
		cfg.MaxEventsPerPoll = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Hour
	}
	if cfg.TimeBudget <= 0 {
		cfg.TimeBudget = 30 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 30 * time.Second
	}
	return &Poller{
		client:  client,
		offsets: offsets,
		dedup:   dedup,
		cfg:     cfg,
		log:     log.Named("frigate_poller"),
		now:     time.Now,
	}
}

// Run polls until ctx is done, sending events to out.
func (p *Poller) Run(ctx context.Context, out chan<- data.Event) error {
	if !p.cfg.Enabled {
		return nil
	}
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if !p.backingOff() {
			if _, err := p.PollOnce(ctx, out); err != nil && ctx.Err() == nil {
				p.log.Warn("poll failed", zap.Int("consecutive_failures", p.consecutiveFailures), zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce runs a single fetch cycle and returns how many events were emitted.
func (p *Poller) PollOnce(ctx context.Context, out chan<- data.Event) (int, error) {
	since, err := p.offsets.GetOffset(ctx, offsetSource)
	if errors.Is(err, data.ErrRecordNotFound) {
		since = p.now().Add(-p.cfg.Lookback)
	} else if err != nil {
		p.recordFailure()
		return 0, err
	}
	if !p.backfillBefore.IsZero() && !p.backfillBefore.After(since) {
		p.backfillBefore = time.Time{}
	}
	if p.backfillBefore.IsZero() {
		p.runMax, p.runHold = since, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.TimeBudget)
	batch, complete, err := p.fetchRange(fetchCtx, since, p.backfillBefore)
	cancel()
	if err != nil {
		p.recordFailure()
		return 0, err
	}

	// oldest first so the offset only ever moves forward
	sort.SliceStable(batch, func(i, j int) bool {
		return startOf(batch[i]) < startOf(batch[j])
	})

	hold := func(start time.Time) {
		// "after" is exclusive; step back so this event is returned again
		t := start.Add(-time.Microsecond)
		if p.runHold == nil || t.Before(*p.runHold) {
			p.runHold = &t
		}
	}
	emitted := 0

	for _, raw := range batch {
		evt, err := Normalize(raw, data.SourcePoll, p.now())
		switch {
		case errors.Is(err, ErrInProgress):
			if raw.StartTime != nil {
				hold(data.UnixFloat(*raw.StartTime))
			}
			continue
		case errors.Is(err, ErrFalsePositive):
			metrics.EventsDroppedTotal.WithLabelValues(data.SourcePoll, "false_positive").Inc()
			continue
		case err != nil:
			metrics.EventsDroppedTotal.WithLabelValues(data.SourcePoll, "malformed").Inc()
			p.log.Warn("skipping malformed event", zap.Error(err))
			continue
		}

		if !p.dedup.Seen(evt.ID) {
			// marked before the send so an ack from the pipeline is never overwritten
			p.dedup.Mark(evt.ID)
			select {
			case out <- evt:
			case <-ctx.Done():
				p.dedup.Forget(evt.ID)
				return emitted, ctx.Err()
			}
			metrics.EventsIngestedTotal.WithLabelValues(data.SourcePoll).Inc()
			emitted++
		}
		if !p.dedup.Routed(evt.ID) {
			hold(evt.StartTimestamp)
		}
		if evt.StartTimestamp.After(p.runMax) {
			p.runMax = evt.StartTimestamp
		}
	}

	if !complete {
		// The newest pages are out; the events between since and the oldest
		// fetched one are read next cycle. The offset stays put until then.
		p.backfillBefore = oldestStart(batch)
		p.log.Warn("event backlog exceeds page budget",
			zap.Int("pages", p.cfg.MaxPages), zap.Time("backfill_before", p.backfillBefore))
	} else {
		p.backfillBefore = time.Time{}
		p.commit(p.runMax, p.runHold)
	}
	p.consecutiveFailures = 0
	metrics.SourcePollsTotal.WithLabelValues("ok").Inc()
	return emitted, nil
}

// fetchRange pages backwards from before (or from the newest event) until it
// reaches since. complete is false when the page budget ran out first.
func (p *Poller) fetchRange(ctx context.Context, since, before time.Time) ([]Event, bool, error) {
	var all []Event
	q := EventQuery{After: since, Before: before, Limit: p.cfg.MaxEventsPerPoll}

	for page := 0; page < p.cfg.MaxPages; page++ {
		batch, err := p.client.Events(ctx, q)
		if err != nil {
			return nil, false, err
		}
		all = append(all, batch...)
		if len(batch) < q.Limit {
			return all, true, nil
		}
		q.Before = oldestStart(batch)
	}
	return all, false, nil
}

func (p *Poller) commit(offset time.Time, holdAt *time.Time) {
	// events stuck longer than the lookback are not waited for
	if holdAt != nil && holdAt.Before(offset) && holdAt.After(p.now().Add(-p.cfg.Lookback)) {
		offset = *holdAt
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.offsets.SetOffset(ctx, offsetSource, offset); err != nil {
		p.log.Error("saving offset failed", zap.Time("offset", offset), zap.Error(err))
	}
}

func (p *Poller) recordFailure() {
	p.consecutiveFailures++
	p.lastFailure = p.now()
	metrics.SourcePollsTotal.WithLabelValues("fail").Inc()
}

// backingOff doubles the wait per consecutive failure, capped at 8x.
func (p *Poller) backingOff() bool {
	if p.consecutiveFailures == 0 {
		return false
	}
	mult := 1 << min(p.consecutiveFailures-1, 3)
	return p.now().Sub(p.lastFailure) < time.Duration(mult)*p.cfg.Backoff
}

func oldestStart(batch []Event) time.Time {
	oldest := startOf(batch[0])
	for _, e := range batch[1:] {
		if s := startOf(e); s < oldest {
			oldest = s
		}
	}
	return data.UnixFloat(oldest)
}

func startOf(e Event) float64 {
	if e.StartTime == nil {
		return 0
	}
	return *e.StartTime
}
