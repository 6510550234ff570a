package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/outbound-ivr-call/internal/config"
)

// CallEventTopic is the Kafka topic carrying orchestrator transitions.
type CallEventTopic struct {
	cfg    config.KafkaConfig
	dialer *kafka.Dialer
}

// NewCallEventTopic validates the broker settings for the call event topic.
func NewCallEventTopic(cfg config.KafkaConfig) (*CallEventTopic, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("call events: no brokers configured")
	}
	if cfg.EventTopic == "" {
		return nil, fmt.Errorf("call events: no topic configured")
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	return &CallEventTopic{
		cfg:    cfg,
		dialer: &kafka.Dialer{Timeout: 10 * time.Second, ClientID: cfg.ClientID},
	}, nil
}

// Name returns the topic name.
func (t *CallEventTopic) Name() string { return t.cfg.EventTopic }

// Ensure creates the topic through the cluster controller unless a broker
// already reports partitions for it.
func (t *CallEventTopic) Ensure(ctx context.Context) error {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("call events: dial: %w", err)
	}
	defer conn.Close()

	if parts, err := conn.ReadPartitions(t.cfg.EventTopic); err == nil && len(parts) > 0 {
		return nil
	}

	broker, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("call events: find controller: %w", err)
	}
	controller, err := t.dialer.DialContext(ctx, "tcp", net.JoinHostPort(broker.Host, strconv.Itoa(broker.Port)))
	if err != nil {
		return fmt.Errorf("call events: dial controller: %w", err)
	}
	defer controller.Close()

	err = controller.CreateTopics(kafka.TopicConfig{
		Topic:             t.cfg.EventTopic,
		NumPartitions:     t.cfg.Partitions,
		ReplicationFactor: t.cfg.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("call events: create topic %s: %w", t.cfg.EventTopic, err)
	}
	return nil
}

// Publisher returns a writer-backed publisher. Messages are hashed by
// session id and acknowledged by the partition leader before returning.
func (t *CallEventTopic) Publisher() *EventPublisher {
	return &EventPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(t.cfg.Brokers...),
		Topic:        t.cfg.EventTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

// Subscribe opens a consumer-group reader from the earliest retained event.
func (t *CallEventTopic) Subscribe() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        t.cfg.Brokers,
		Topic:          t.cfg.EventTopic,
		GroupID:        t.cfg.ConsumerGroupID,
		Dialer:         t.dialer,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: t.cfg.CommitInterval,
		MinBytes:       1,
		MaxBytes:       1e6,
	})
}
