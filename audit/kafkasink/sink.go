// Package kafkasink publishes hoaauth audit events to a Kafka topic, one JSON
// message per event, keyed by user id so a user's trail stays ordered within
// a partition.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	hoaauth "github.com/strataboard/hoaauth"
)

// Config describes the target topic.
type Config struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds each publish. Defaults to 5s.
	WriteTimeout time.Duration
}

// Sink is a [hoaauth.AuditSink] backed by a kafka.Writer. Emit is best-effort:
// publish failures are counted, never propagated, because the audit
// dispatcher must not stall auth flows on broker trouble.
type Sink struct {
	writer  *kafka.Writer
	timeout time.Duration
	onError func(error)
}

func New(cfg Config, onError func(error)) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafkasink requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafkasink requires a topic")
	}

	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Sink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		timeout: timeout,
		onError: onError,
	}, nil
}

func (s *Sink) Emit(ctx context.Context, event hoaauth.AuditEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.reportError(err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.UserID),
		Value: payload,
		Time:  event.Timestamp.UTC(),
	})
	if err != nil {
		s.reportError(err)
	}
}

func (s *Sink) reportError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Sink) Close() error {
	return s.writer.Close()
}
