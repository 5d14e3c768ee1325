package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/logger"
)

// SaleApplier receives decoded sale events. *revenue.Aggregator implements it.
type SaleApplier interface {
	OnSalePosted(ctx context.Context, sale domain.Sale) error
	OnSaleVoided(ctx context.Context, sale domain.Sale) error
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r           MessageReader
	applier     SaleApplier
	maxAttempts int
	backoff     time.Duration
	log         zerolog.Logger
}

func NewReader(brokers []string, group, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

func NewConsumer(r MessageReader, applier SaleApplier, maxAttempts int) *Consumer {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Consumer{
		r:           r,
		applier:     applier,
		maxAttempts: maxAttempts,
		backoff:     200 * time.Millisecond,
		log:         logger.WithComponent("events-consumer"),
	}
}

// Run fetches, applies and commits until ctx is cancelled. Offsets are
// committed only after the applier succeeded or the message was unusable.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.r.Close()
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch sale event: %w", err)
		}

		if err := c.handleWithRetry(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Int64("offset", m.Offset).Int("partition", m.Partition).Msg("sale event not applied; rebuild revenue for the affected day")
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn().Err(err).Int64("offset", m.Offset).Msg("commit sale event")
		}
	}
}

var errPoison = errors.New("undecodable sale event")

func (c *Consumer) handleWithRetry(ctx context.Context, m kafka.Message) error {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		err := c.Handle(ctx, m)
		if err == nil || errors.Is(err, errPoison) || attempt >= c.maxAttempts {
			return err
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("apply sale event failed")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
	}
}

// Handle decodes one message and applies it. Unknown event types are skipped.
func (c *Consumer) Handle(ctx context.Context, m kafka.Message) error {
	env, err := DecodeEnvelope(m.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	switch env.EventType {
	case EventSalePosted, EventSaleVoided:
	default:
		c.log.Debug().Str("event_type", env.EventType).Msg("ignoring event")
		return nil
	}

	sale, err := UnwrapPayload[domain.Sale](env.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	if env.EventType == EventSaleVoided {
		return c.applier.OnSaleVoided(ctx, sale)
	}
	return c.applier.OnSalePosted(ctx, sale)
}
