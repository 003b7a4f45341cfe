// Package events publishes revocation and audit events to Kafka and applies revocations
// published by other regions to the local blacklist.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/pkg/logger"
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher is a Kafka-backed implementation of service.EventPublisher.
type KafkaPublisher struct {
	revocations messageWriter
	audit       messageWriter
	origin      string
	logger      logger.Logger
}

// NewKafkaPublisher creates writers for the revocation and audit topics.
func NewKafkaPublisher(cfg config.KafkaConfig, log logger.Logger) service.EventPublisher {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			WriteTimeout:           cfg.WriteTimeout,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		}
	}
	return newKafkaPublisher(newWriter(cfg.RevocationTopic), newWriter(cfg.AuditTopic), cfg.Origin, log)
}

func newKafkaPublisher(revocations, audit messageWriter, origin string, log logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		revocations: revocations,
		audit:       audit,
		origin:      origin,
		logger:      log.WithComponent("kafka-publisher"),
	}
}

// PublishRevocation writes the event keyed by token id so all revocations of a token land on one partition.
func (p *KafkaPublisher) PublishRevocation(ctx context.Context, event models.RevocationEvent) error {
	if event.Origin == "" {
		event.Origin = p.origin
	}
	return p.write(ctx, p.revocations, event.TokenID, event)
}

func (p *KafkaPublisher) PublishAudit(ctx context.Context, event models.AuditEvent) error {
	return p.write(ctx, p.audit, event.Username, event)
}

func (p *KafkaPublisher) write(ctx context.Context, w messageWriter, key string, event interface{}) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		p.logger.Error(ctx, "failed to write message to Kafka", err)
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close closes both writers.
func (p *KafkaPublisher) Close() error {
	return multierr.Combine(p.revocations.Close(), p.audit.Close())
}

// NoopPublisher discards events. It is used when kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishRevocation(context.Context, models.RevocationEvent) error { return nil }
func (NoopPublisher) PublishAudit(context.Context, models.AuditEvent) error           { return nil }
func (NoopPublisher) Close() error                                                    { return nil }
