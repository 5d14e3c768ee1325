package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/logger"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher turns sale notifications into Kafka messages. Sends happen on a
// background goroutine so the posting path never waits on the broker.
type Publisher struct {
	w        MessageWriter
	producer string
	inbox    chan kafka.Message
	done     chan struct{}
	log      zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func NewPublisher(w MessageWriter, producer string, buf int) *Publisher {
	if buf <= 0 {
		buf = 1024
	}
	return &Publisher{
		w:        w,
		producer: producer,
		inbox:    make(chan kafka.Message, buf),
		done:     make(chan struct{}),
		log:      logger.WithComponent("events"),
	}
}

func (p *Publisher) Start() {
	go func() {
		defer close(p.done)
		for m := range p.inbox {
			p.write(m)
		}
		if err := p.w.Close(); err != nil {
			p.log.Warn().Err(err).Msg("close kafka writer")
		}
	}()
}

func (p *Publisher) write(m kafka.Message) {
	wait := 200 * time.Millisecond
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.w.WriteMessages(ctx, m)
		cancel()
		if err == nil {
			return
		}
		p.log.Warn().Err(err).Str("key", string(m.Key)).Int("attempt", attempt).Msg("publish sale event failed")
		time.Sleep(wait)
		wait *= 2
	}
	p.log.Error().Str("key", string(m.Key)).Msg("sale event dropped; rebuild revenue for the affected day")
}

func (p *Publisher) SalePosted(sale domain.Sale) { p.publish(EventSalePosted, sale) }
func (p *Publisher) SaleVoided(sale domain.Sale) { p.publish(EventSaleVoided, sale) }

func (p *Publisher) publish(eventType string, sale domain.Sale) {
	env, err := NewSaleEnvelope(eventType, p.producer, sale, time.Now())
	if err != nil {
		p.log.Error().Err(err).Str("sale_id", sale.ID).Msg("build sale event")
		return
	}
	value, err := json.Marshal(env)
	if err != nil {
		p.log.Error().Err(err).Str("sale_id", sale.ID).Msg("encode sale event")
		return
	}
	msg := kafka.Message{
		Key:   PartitionKey(sale.ID),
		Value: value,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.Warn().Str("sale_id", sale.ID).Str("event_type", eventType).Msg("publisher closed; event dropped")
		return
	}
	select {
	case p.inbox <- msg:
	default:
		p.log.Warn().Str("sale_id", sale.ID).Str("event_type", eventType).Msg("publisher inbox full; event dropped")
	}
}

// Close flushes queued messages and closes the writer. Start must have been called.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.inbox)
	p.mu.Unlock()
	<-p.done
}
