package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/pkg/logger"
	"github.com/turtacn/atlas/pkg/utils"
)

// messageReader is the subset of *kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RevocationConsumer applies revocation events published by other regions to the local
// blacklist so every region converges without sharing a cache.
type RevocationConsumer struct {
	reader  messageReader
	store   service.RevocationStore
	origin  string
	logger  logger.Logger
	now     func() time.Time
	backoff time.Duration
}

// NewRevocationConsumer creates a consumer for the revocation topic. Each region uses its own
// group so every region sees every event.
func NewRevocationConsumer(cfg config.KafkaConfig, store service.RevocationStore, log logger.Logger) *RevocationConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.RevocationTopic,
		GroupID:        cfg.GroupID + "-" + cfg.Origin,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
	return newRevocationConsumer(reader, store, cfg.Origin, log)
}

func newRevocationConsumer(reader messageReader, store service.RevocationStore, origin string, log logger.Logger) *RevocationConsumer {
	return &RevocationConsumer{
		reader:  reader,
		store:   store,
		origin:  origin,
		logger:  log.WithComponent("revocation-consumer"),
		now:     time.Now,
		backoff: time.Second,
	}
}

// Run consumes until ctx is cancelled, then closes the reader.
func (c *RevocationConsumer) Run(ctx context.Context) error {
	c.logger.Info(ctx, "starting revocation consumer", logger.String("origin", c.origin))
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Error(context.Background(), "failed to close kafka reader", err)
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info(context.Background(), "stopping revocation consumer")
				return nil
			}
			c.logger.Error(ctx, "failed to fetch message from kafka", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			c.logger.Error(ctx, "failed to apply revocation event", err, logger.String("key", string(msg.Key)))
			// left uncommitted so it is redelivered
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Warn(ctx, "failed to commit kafka message", logger.Error(err))
		}
	}
}

func (c *RevocationConsumer) handle(ctx context.Context, msg kafka.Message) error {
	var event models.RevocationEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil || event.TokenID == "" {
		// poison message: commit it so it is not reprocessed
		c.logger.Warn(ctx, "dropping undecodable revocation event", logger.String("value", string(msg.Value)))
		return nil
	}
	if event.TraceID != "" {
		ctx = utils.WithTraceID(ctx, event.TraceID)
	}
	if event.Origin == c.origin {
		return nil
	}

	ttl := event.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		c.logger.Debug(ctx, "skipping revocation of an expired token", logger.TokenID(event.TokenID))
		return nil
	}
	if err := c.store.AddToBlacklist(ctx, event.TokenID, event.UserID, ttl); err != nil {
		return err
	}
	c.logger.Info(ctx, "applied remote revocation",
		logger.TokenID(event.TokenID),
		logger.String("origin", event.Origin),
		logger.Duration("ttl", ttl),
	)
	return nil
}
