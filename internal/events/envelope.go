// Package events carries sale notifications over Kafka so summaries can be
// maintained by a separate consumer. Delivery is at-least-once; consumers
// must tolerate redelivery.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tokoledger/backend/internal/domain"
)

const (
	EventSalePosted = "SalePosted"
	EventSaleVoided = "SaleVoided"

	DefaultTopic = "sales.events"
	envelopeV1   = 1
)

type Envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Producer     string          `json:"producer"`
	ShopID       string          `json:"shop_id"`
	Payload      json.RawMessage `json:"payload"`
}

// PartitionKey keeps every event of one sale on one partition, in order.
func PartitionKey(saleID string) []byte { return []byte(saleID) }

func NewSaleEnvelope(eventType string, producer string, sale domain.Sale, at time.Time) (Envelope, error) {
	payload, err := json.Marshal(sale)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode sale %s: %w", sale.ID, err)
	}
	return Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: envelopeV1,
		OccurredAt:   at.UTC(),
		Producer:     producer,
		ShopID:       sale.ShopID,
		Payload:      payload,
	}, nil
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventType == "" || len(env.Payload) == 0 {
		return Envelope{}, fmt.Errorf("decode envelope: missing event type or payload")
	}
	return env, nil
}

func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
