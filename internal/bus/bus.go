package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/metrics"
)

const (
	KindNone  = "none"
	KindNATS  = "nats"
	KindKafka = "kafka"
)

// Publisher announces routing decisions and attempt outcomes to other
// services. Publishing is best effort: routing never waits on a broker.
type Publisher interface {
	PublishDecision(ctx context.Context, d *data.RoutingDecision) error
	PublishAttempt(ctx context.Context, a data.DispatchAttempt) error
	Close() error
}

type Subjects struct {
	Decisions string
	Attempts  string
}

func (s Subjects) withDefaults() Subjects {
	if s.Decisions == "" {
		s.Decisions = "router.decisions"
	}
	if s.Attempts == "" {
		s.Attempts = "router.attempts"
	}
	return s
}

type Noop struct{}

func (Noop) PublishDecision(context.Context, *data.RoutingDecision) error { return nil }
func (Noop) PublishAttempt(context.Context, data.DispatchAttempt) error   { return nil }
func (Noop) Close() error                                                 { return nil }

// AttemptForwarder publishes the outcome of every finished attempt. Pending
// records are not forwarded.
type AttemptForwarder struct {
	pub Publisher
	log *zap.Logger
}

func NewAttemptForwarder(pub Publisher, log *zap.Logger) *AttemptForwarder {
	return &AttemptForwarder{pub: pub, log: log.Named("bus")}
}

func (f *AttemptForwarder) AttemptRecorded(ctx context.Context, a data.DispatchAttempt) {
	if a.Status == data.AttemptPending {
		return
	}
	if err := f.pub.PublishAttempt(ctx, a); err != nil {
		f.log.Warn("attempt not published",
			zap.String("event_id", a.EventID),
			zap.String("destination", string(a.Destination)),
			zap.Error(err),
		)
	}
}

func encode(kind string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		metrics.BusPublishTotal.WithLabelValues(kind, "marshal_error").Inc()
		return nil, fmt.Errorf("marshal %s: %w", kind, err)
	}
	return payload, nil
}

func observe(kind string, err error) error {
	if err != nil {
		metrics.BusPublishTotal.WithLabelValues(kind, "fail").Inc()
		return err
	}
	metrics.BusPublishTotal.WithLabelValues(kind, "ok").Inc()
	return nil
}
