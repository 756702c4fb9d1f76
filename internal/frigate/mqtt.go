package frigate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/metrics"
)

type MQTTConfig struct {
	Enabled   bool
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
}

// Subscriber receives frigate/events messages and forwards ended events.
type Subscriber struct {
	cfg   MQTTConfig
	dedup *Dedup
	log   *zap.Logger
	now   func() time.Time
}

func NewSubscriber(cfg MQTTConfig, dedup *Dedup, log *zap.Logger) *Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = "frigate/events"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "nvr-router"
	}
	return &Subscriber{
		cfg:   cfg,
		dedup: dedup,
		log:   log.Named("frigate_mqtt"),
		now:   time.Now,
	}
}

// Run connects to the broker and blocks until ctx is done. The client
// reconnects on its own and resubscribes after every connect.
func (s *Subscriber) Run(ctx context.Context, out chan<- data.Event) error {
	if !s.cfg.Enabled {
		return nil
	}

	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		if err := s.HandleMessage(ctx, msg.Payload(), out); err != nil && ctx.Err() == nil {
			s.log.Debug("message ignored", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(false).
		SetOnConnectHandler(func(c mqtt.Client) {
			tok := c.Subscribe(s.cfg.Topic, 1, onMessage)
			if tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
				s.log.Error("subscribe failed", zap.String("topic", s.cfg.Topic), zap.Error(tok.Error()))
				return
			}
			s.log.Info("subscribed", zap.String("broker", s.cfg.BrokerURL), zap.String("topic", s.cfg.Topic))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.log.Warn("connection lost", zap.Error(err))
		})

	client := mqtt.NewClient(opts)
	// with ConnectRetry the token only completes once connected
	client.Connect()

	<-ctx.Done()
	client.Disconnect(250)
	return ctx.Err()
}

// HandleMessage decodes one frigate/events payload. Only "end" messages
// produce an event; new and update messages are ignored.
func (s *Subscriber) HandleMessage(ctx context.Context, payload []byte, out chan<- data.Event) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.EventsDroppedTotal.WithLabelValues(data.SourceMQTT, "malformed").Inc()
		return &data.MalformedEventError{Source: data.SourceMQTT, Field: "payload", Reason: err.Error()}
	}
	if msg.Type != "end" {
		return nil
	}
	if msg.After == nil {
		metrics.EventsDroppedTotal.WithLabelValues(data.SourceMQTT, "malformed").Inc()
		return &data.MalformedEventError{Source: data.SourceMQTT, Field: "after", Reason: "missing"}
	}

	evt, err := Normalize(*msg.After, data.SourceMQTT, s.now())
	switch {
	case errors.Is(err, ErrFalsePositive):
		metrics.EventsDroppedTotal.WithLabelValues(data.SourceMQTT, "false_positive").Inc()
		return nil
	case errors.Is(err, ErrInProgress):
		metrics.EventsDroppedTotal.WithLabelValues(data.SourceMQTT, "malformed").Inc()
		return fmt.Errorf("end message for %s without end_time", msg.After.ID)
	case err != nil:
		metrics.EventsDroppedTotal.WithLabelValues(data.SourceMQTT, "malformed").Inc()
		return err
	}

	if s.dedup.Seen(evt.ID) {
		metrics.EventsDroppedTotal.WithLabelValues(data.SourceMQTT, "duplicate").Inc()
		return nil
	}
	// marked before the send so an ack from the pipeline is never overwritten
	s.dedup.Mark(evt.ID)
	select {
	case out <- evt:
	case <-ctx.Done():
		s.dedup.Forget(evt.ID)
		return ctx.Err()
	}
	metrics.EventsIngestedTotal.WithLabelValues(data.SourceMQTT).Inc()
	return nil
}
