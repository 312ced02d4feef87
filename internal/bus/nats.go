package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/spendguard/internal/domain"
)

const (
	subjectRoot  = "spendguard.events"
	drainTimeout = 10 * time.Second
)

// NATSBus carries events between processes. Subjects are
// spendguard.events.<user>.<topic>; a global subscriber listens on the
// single-token wildcard in the user position.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string
	closed     chan struct{}
	closeOnce  sync.Once
	stats      counters
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
	stop  func() bool
}

// NewNATSBus connects with retries. The client keeps reconnecting on its own
// after the first connection succeeds.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	b := &NATSBus{
		queueGroup: cfg.NATSQueueGroup,
		closed:     make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name("spendguard"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("event bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("event bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			b.closeOnce.Do(func() { close(b.closed) })
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "subject", sub.Subject)
			}
			slog.Error("event bus error", attrs...)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	err := retry.Do(
		func() error {
			conn, err := nats.Connect(cfg.NATSUrl, opts...)
			if err != nil {
				return err
			}
			b.conn = conn
			return nil
		},
		retry.Attempts(uint(cfg.NATSMaxReconnects)),
		retry.Delay(wait),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("event bus connect failed", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.NATSUrl, err)
	}

	slog.Info("event bus connected",
		"url", b.conn.ConnectedUrl(),
		"queue_group", b.queueGroup,
	)
	return b, nil
}

// Publish sends the event on the user's subject.
func (b *NATSBus) Publish(ctx context.Context, userID string, topic string, payload []byte) error {
	if userID == "" {
		return ErrUserRequired
	}
	if b.conn.IsClosed() || b.conn.IsDraining() {
		return ErrClosed
	}

	data, err := encodeMessage(newMessage(ctx, userID, topic, payload))
	if err != nil {
		return err
	}
	if err := b.conn.Publish(subject(userID, topic), data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.stats.published.Add(1)
	return nil
}

// Subscribe listens on the user's subject, or on every user's when userID is
// domain.GlobalSubscriber. Global subscriptions join the configured queue
// group. The subscription ends when ctx does.
func (b *NATSBus) Subscribe(ctx context.Context, userID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}

	cb := func(m *nats.Msg) {
		msg, err := decodeMessage(m.Data)
		if err != nil {
			b.stats.dropped.Add(1)
			slog.Error("dropping undecodable event", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, msg); err != nil {
			b.stats.handlerErrors.Add(1)
			slog.Error("event handler failed",
				"topic", msg.Topic,
				"message_id", msg.ID,
				"trace_id", msg.Metadata[domain.MetadataTraceID],
				"error", err,
			)
			return
		}
		b.stats.delivered.Add(1)
	}

	subj := subject(userID, topic)

	var (
		ns  *nats.Subscription
		err error
	)
	if userID == domain.GlobalSubscriber && b.queueGroup != "" {
		ns, err = b.conn.QueueSubscribe(subj, b.queueGroup, cb)
	} else {
		ns, err = b.conn.Subscribe(subj, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subj, err)
	}

	sub := &natsSubscription{topic: topic, sub: ns}
	sub.stop = context.AfterFunc(ctx, func() { _ = ns.Unsubscribe() })
	return sub, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("event bus not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains every subscription, so callbacks already received run to
// completion, then closes the connection.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain event bus: %w", err)
	}

	select {
	case <-b.closed:
	case <-time.After(drainTimeout + time.Second):
		b.conn.Close()
	}
	return nil
}

// Stats returns traffic counters for this process.
func (b *NATSBus) Stats() Stats {
	return b.stats.snapshot()
}

// subject folds dots in user IDs so the user stays one subject token.
func subject(userID, topic string) string {
	if userID == domain.GlobalSubscriber {
		return subjectRoot + ".*." + topic
	}
	return subjectRoot + "." + strings.ReplaceAll(userID, ".", "_") + "." + topic
}

// Unsubscribe stops delivery.
func (s *natsSubscription) Unsubscribe() error {
	s.stop()
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
