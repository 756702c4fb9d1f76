package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/nvr-router/internal/data"
)

// natsConn is the part of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

type NATSPublisher struct {
	conn       natsConn
	subjects   Subjects
	maxRetries int
}

// DialNATS connects with reconnects enabled for the life of the process.
func DialNATS(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

func NewNATSPublisher(conn natsConn, subjects Subjects, maxRetries int) *NATSPublisher {
	return &NATSPublisher{
		conn:       conn,
		subjects:   subjects.withDefaults(),
		maxRetries: maxRetries,
	}
}

func (p *NATSPublisher) PublishDecision(ctx context.Context, d *data.RoutingDecision) error {
	payload, err := encode("decision", d)
	if err != nil {
		return err
	}
	return observe("decision", p.publish(ctx, p.subjects.Decisions, payload))
}

func (p *NATSPublisher) PublishAttempt(ctx context.Context, a data.DispatchAttempt) error {
	payload, err := encode("attempt", a)
	if err != nil {
		return err
	}
	return observe("attempt", p.publish(ctx, p.subjects.Attempts, payload))
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, payload []byte) error {
	var err error
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, payload)
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i*100) * time.Millisecond):
		}
	}
	return fmt.Errorf("publish to %s failed after %d retries: %w", subject, p.maxRetries, err)
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
