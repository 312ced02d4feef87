// Package bus moves recording and alert events from the ingest pipeline to
// its consumers, in-process over channels or across processes over NATS.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/spendguard/internal/domain"
)

var (
	ErrUserRequired = errors.New("userID is required")
	ErrClosed       = errors.New("bus is closed")
)

// New builds the bus named by cfg.Type.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Stats counts traffic through a bus since it was created.
type Stats struct {
	Published     int64 `json:"published"`
	Delivered     int64 `json:"delivered"`
	Dropped       int64 `json:"dropped"`
	HandlerErrors int64 `json:"handlerErrors"`
}

type counters struct {
	published     atomic.Int64
	delivered     atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Published:     c.published.Load(),
		Delivered:     c.delivered.Load(),
		Dropped:       c.dropped.Load(),
		HandlerErrors: c.handlerErrors.Load(),
	}
}

// newMessage stamps an event with an ID and, when ctx carries a span, the
// publisher's trace ID so a consumer can log against the originating request.
func newMessage(ctx context.Context, userID, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		UserID:    userID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.Metadata[domain.MetadataTraceID] = sc.TraceID().String()
	}
	return msg
}

func encodeMessage(msg *domain.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return data, nil
}

func decodeMessage(data []byte) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.UserID == "" || msg.Topic == "" {
		return nil, errors.New("decode message: missing user or topic")
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	return &msg, nil
}
