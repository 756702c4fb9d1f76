package bus

import (
	"context"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/technosupport/nvr-router/internal/data"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers     []string
	Compression string
	MaxAttempts int
}

// KafkaPublisher writes decisions and attempts to two topics keyed by event
// id, so every message of an event lands on the same partition.
type KafkaPublisher struct {
	decisions messageWriter
	attempts  messageWriter
}

func NewKafkaPublisher(cfg KafkaConfig, subjects Subjects) *KafkaPublisher {
	subjects = subjects.withDefaults()
	return &KafkaPublisher{
		decisions: newWriter(cfg, subjects.Decisions),
		attempts:  newWriter(cfg, subjects.Attempts),
	}
}

func newWriter(cfg KafkaConfig, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafkago.RequireOne,
		Compression:            CompressionFromString(cfg.Compression),
		MaxAttempts:            cfg.MaxAttempts,
		AllowAutoTopicCreation: true,
	}
}

func (p *KafkaPublisher) PublishDecision(ctx context.Context, d *data.RoutingDecision) error {
	payload, err := encode("decision", d)
	if err != nil {
		return err
	}
	return observe("decision", p.decisions.WriteMessages(ctx, message(d.EventID, "decision", payload)))
}

func (p *KafkaPublisher) PublishAttempt(ctx context.Context, a data.DispatchAttempt) error {
	payload, err := encode("attempt", a)
	if err != nil {
		return err
	}
	return observe("attempt", p.attempts.WriteMessages(ctx, message(a.EventID, "attempt", payload)))
}

func (p *KafkaPublisher) Close() error {
	err := p.decisions.Close()
	if aerr := p.attempts.Close(); err == nil {
		err = aerr
	}
	return err
}

func message(eventID, kind string, payload []byte) kafkago.Message {
	return kafkago.Message{
		Key:     []byte(eventID),
		Value:   payload,
		Time:    time.Now().UTC(),
		Headers: []kafkago.Header{{Key: "kind", Value: []byte(kind)}},
	}
}

// CompressionFromString maps a codec name to its kafka-go value.
func CompressionFromString(name string) kafkago.Compression {
	switch strings.ToLower(name) {
	case "gzip":
		return kafkago.Gzip
	case "lz4":
		return kafkago.Lz4
	case "zstd":
		return kafkago.Zstd
	default:
		return kafkago.Snappy
	}
}
