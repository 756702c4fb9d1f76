package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/bus"
	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/metrics"
)

var ErrQueueFull = errors.New("event queue is full")

type Router interface {
	Decide(ctx context.Context, evt data.Event) (*data.RoutingDecision, bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, evt data.Event, decision *data.RoutingDecision) []data.DispatchAttempt
}

// Backlog lists events whose dispatch did not reach a terminal outcome.
type Backlog interface {
	Unfinished(ctx context.Context, limit int) ([]*data.EventStatus, error)
}

type DecisionReader interface {
	Get(ctx context.Context, eventID string) (*data.RoutingDecision, error)
}

type Config struct {
	Workers   int
	QueueSize int
}

// Pipeline is a fixed pool of workers that route and then dispatch events
// taken from one shared queue.
type Pipeline struct {
	router     Router
	dispatcher Dispatcher
	pub        bus.Publisher
	cfg        Config
	log        *zap.Logger

	events   data.EventRepository
	onRouted func(evt data.Event, err error)

	queue chan data.Event
	wg    sync.WaitGroup
}

func New(router Router, dispatcher Dispatcher, pub bus.Publisher, cfg Config, log *zap.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 64
	}
	if pub == nil {
		pub = bus.Noop{}
	}
	return &Pipeline{
		router:     router,
		dispatcher: dispatcher,
		pub:        pub,
		cfg:        cfg,
		log:        log.Named("pipeline"),
		queue:      make(chan data.Event, cfg.QueueSize),
	}
}

// StoreEvents keeps every event before it is routed so Resume can find it.
// Call before Start.
func (p *Pipeline) StoreEvents(events data.EventRepository) {
	p.events = events
}

// OnRouted registers fn to be told when an event's decision is stored, or
// why it could not be. Call before Start.
func (p *Pipeline) OnRouted(fn func(evt data.Event, err error)) {
	p.onRouted = fn
}

// In is the queue the event sources write to. Sends block while the queue
// is full, which slows the sources down instead of dropping events.
func (p *Pipeline) In() chan<- data.Event {
	return p.queue
}

// Submit queues an event without blocking.
func (p *Pipeline) Submit(evt data.Event) error {
	select {
	case p.queue <- evt:
		metrics.PipelineQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		metrics.EventsDroppedTotal.WithLabelValues(evt.Source, "queue_full").Inc()
		return ErrQueueFull
	}
}

// Start runs the workers until ctx is done.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until every worker has returned.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-p.queue:
			metrics.PipelineQueueDepth.Set(float64(len(p.queue)))
			if err := p.Process(ctx, evt); err != nil && ctx.Err() == nil {
				p.log.Error("event processing failed", zap.String("event_id", evt.ID), zap.Error(err))
			}
		}
	}
}

// Process routes one event and, if this call made the decision, publishes
// it and dispatches the event to every destination.
func (p *Pipeline) Process(ctx context.Context, evt data.Event) error {
	decision, fresh, err := p.decide(ctx, evt)
	if p.onRouted != nil {
		p.onRouted(evt, err)
	}
	if err != nil || decision == nil {
		return err
	}
	if !fresh {
		p.log.Debug("event already routed", zap.String("event_id", evt.ID))
		return nil
	}

	if err := p.pub.PublishDecision(ctx, decision); err != nil {
		p.log.Warn("decision not published", zap.String("event_id", evt.ID), zap.Error(err))
	}
	p.dispatch(ctx, evt, decision)
	return nil
}

// decide returns a nil decision without error for events the router
// rejected and already recorded as failed.
func (p *Pipeline) decide(ctx context.Context, evt data.Event) (*data.RoutingDecision, bool, error) {
	if p.events != nil {
		if err := p.events.Save(ctx, evt); err != nil {
			return nil, false, fmt.Errorf("store event %s: %w", evt.ID, err)
		}
	}
	decision, fresh, err := p.router.Decide(ctx, evt)
	if err != nil {
		var rangeErr *data.InvalidEventRangeError
		if errors.As(err, &rangeErr) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return decision, fresh, nil
}

func (p *Pipeline) dispatch(ctx context.Context, evt data.Event, decision *data.RoutingDecision) {
	if len(decision.Destinations) == 0 {
		return
	}
	results := p.dispatcher.Dispatch(ctx, evt, decision)
	for _, a := range results {
		p.log.Info("event dispatched",
			zap.String("event_id", evt.ID),
			zap.String("destination", string(a.Destination)),
			zap.String("status", string(a.Status)),
			zap.Int("attempts", a.AttemptNumber),
			zap.String("ref", a.Ref),
		)
	}
}

// Resume dispatches again the destinations of recent events that were left
// pending, typically by a shutdown, and returns how many events it picked
// up. Destinations that already reached a terminal outcome are not sent
// again. The dispatches run in the background until ctx is done; Wait
// covers them.
func (p *Pipeline) Resume(ctx context.Context, backlog Backlog, decisions DecisionReader, limit int) (int, error) {
	if p.events == nil {
		return 0, nil
	}
	pending, err := backlog.Unfinished(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unfinished events: %w", err)
	}

	resumed := 0
	for _, st := range pending {
		evt, err := p.events.Get(ctx, st.EventID)
		if errors.Is(err, data.ErrRecordNotFound) {
			p.log.Warn("dispatch not resumed, event expired", zap.String("event_id", st.EventID))
			continue
		}
		if err != nil {
			return resumed, err
		}
		decision, err := decisions.Get(ctx, st.EventID)
		if err != nil {
			return resumed, fmt.Errorf("load decision %s: %w", st.EventID, err)
		}

		remaining := *decision
		remaining.Destinations = nil
		for _, ds := range st.Destinations {
			if ds.Status == data.AttemptPending {
				remaining.Destinations = append(remaining.Destinations, ds.Destination)
			}
		}
		if len(remaining.Destinations) == 0 {
			continue
		}

		p.log.Info("resuming dispatch",
			zap.String("event_id", evt.ID),
			zap.Int("destinations", len(remaining.Destinations)),
		)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.dispatch(ctx, *evt, &remaining)
		}()
		resumed++
	}
	return resumed, nil
}
