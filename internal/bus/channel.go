package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/opensource-finance/spendguard/internal/domain"
)

const defaultChannelBuffer = 1000

// ChannelBus delivers events in-process. Each subscription owns a buffered
// channel drained by its own goroutine; a full buffer drops the event for
// that subscriber only.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	// topic -> user -> subscriptions
	topics map[string]map[string][]*channelSubscription
	closed bool

	running sync.WaitGroup
	stats   counters
}

type channelSubscription struct {
	id      string
	userID  string
	topic   string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
	once    sync.Once
}

// NewChannelBus creates an in-process bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = defaultChannelBuffer
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		topics:     make(map[string]map[string][]*channelSubscription),
	}
}

// Publish fans the event out to the user's subscribers and the global ones.
// It never blocks on a slow consumer.
func (b *ChannelBus) Publish(ctx context.Context, userID string, topic string, payload []byte) error {
	if userID == "" {
		return ErrUserRequired
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	msg := newMessage(ctx, userID, topic, payload)
	b.stats.published.Add(1)

	byUser := b.topics[topic]
	b.offer(byUser[userID], msg)
	if userID != domain.GlobalSubscriber {
		b.offer(byUser[domain.GlobalSubscriber], msg)
	}
	return nil
}

// offer must be called with b.mu held.
func (b *ChannelBus) offer(subs []*channelSubscription, msg *domain.Message) {
	for _, sub := range subs {
		select {
		case sub.inbox <- msg:
		default:
			b.stats.dropped.Add(1)
			slog.Warn("subscriber buffer full, dropping event",
				"topic", msg.Topic,
				"user_id", msg.UserID,
				"subscription_id", sub.id,
			)
		}
	}
}

// Subscribe starts delivering topic events for userID to handler until the
// subscription is cancelled, ctx ends, or the bus closes.
func (b *ChannelBus) Subscribe(ctx context.Context, userID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.New().String(),
		userID:  userID,
		topic:   topic,
		handler: handler,
		inbox:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}

	byUser, ok := b.topics[topic]
	if !ok {
		byUser = make(map[string][]*channelSubscription)
		b.topics[topic] = byUser
	}
	byUser[userID] = append(byUser[userID], sub)

	b.running.Add(1)
	go sub.run()

	return sub, nil
}

func (s *channelSubscription) run() {
	defer s.bus.running.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.bus.detach(s)
			return
		case msg, ok := <-s.inbox:
			if !ok {
				return
			}
			s.deliver(msg)
		}
	}
}

func (s *channelSubscription) deliver(msg *domain.Message) {
	if err := s.handler(s.ctx, msg); err != nil {
		s.bus.stats.handlerErrors.Add(1)
		slog.Error("event handler failed",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"trace_id", msg.Metadata[domain.MetadataTraceID],
			"error", err,
		)
		return
	}
	s.bus.stats.delivered.Add(1)
}

// Ping reports ErrClosed after Close.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops accepting events, lets every subscriber drain what is already
// buffered, and waits for their handlers to return.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, byUser := range b.topics {
		for _, subs := range byUser {
			for _, sub := range subs {
				close(sub.inbox)
			}
		}
	}
	b.topics = make(map[string]map[string][]*channelSubscription)
	b.mu.Unlock()

	b.running.Wait()
	return nil
}

// Stats returns traffic counters.
func (b *ChannelBus) Stats() Stats {
	return b.stats.snapshot()
}

// detach is idempotent.
func (b *ChannelBus) detach(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byUser := b.topics[sub.topic]
	subs := byUser[sub.userID]
	for i, s := range subs {
		if s != sub {
			continue
		}
		byUser[sub.userID] = append(subs[:i:i], subs[i+1:]...)
		if len(byUser[sub.userID]) == 0 {
			delete(byUser, sub.userID)
		}
		if len(byUser) == 0 {
			delete(b.topics, sub.topic)
		}
		return
	}
}

// Unsubscribe stops delivery. Buffered events are discarded.
func (s *channelSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.detach(s)
	})
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
