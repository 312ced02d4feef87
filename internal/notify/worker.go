// Package notify turns anomaly alerts published on the event bus into user
// notifications.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"

	"github.com/opensource-finance/spendguard/internal/domain"
)

// Worker consumes anomaly alerts from the EventBus and mails them.
type Worker struct {
	bus    domain.EventBus
	mailer Mailer
	cfg    Config

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	sent   atomic.Int64
	failed atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// UserIDs limits delivery to these users. Empty subscribes globally.
	UserIDs []string

	// From is the sender address.
	From string

	// SendAttempts bounds delivery retries per alert.
	SendAttempts uint
	SendDelay    time.Duration
}

// NewWorker creates an alert delivery worker.
func NewWorker(bus domain.EventBus, mailer Mailer, cfg Config) *Worker {
	if cfg.SendAttempts == 0 {
		cfg.SendAttempts = 3
	}
	if cfg.SendDelay == 0 {
		cfg.SendDelay = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		mailer: mailer,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the alert topic.
func (w *Worker) Start() error {
	if len(w.cfg.UserIDs) == 0 {
		return w.subscribe(domain.GlobalSubscriber)
	}

	for _, userID := range w.cfg.UserIDs {
		if err := w.subscribe(userID); err != nil {
			slog.Error("failed to start notifier for user",
				"user_id", userID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("notifiers started",
		"user_count", len(w.cfg.UserIDs),
	)
	return nil
}

func (w *Worker) subscribe(userID string) error {
	sub, err := w.bus.Subscribe(w.ctx, userID, domain.TopicAnomalyAlert, w.handleAlert)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("notifier subscribed",
		"user_id", userID,
		"topic", domain.TopicAnomalyAlert,
	)
	return nil
}

// handleAlert renders and delivers one alert.
func (w *Worker) handleAlert(ctx context.Context, msg *domain.Message) error {
	var alert domain.AnomalyAlert
	if err := json.Unmarshal(msg.Payload, &alert); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse anomaly alert",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if alert.UserID == "" {
		alert.UserID = msg.UserID
	}

	email, err := RenderAlert(&alert, w.cfg.From)
	if err != nil {
		w.failed.Add(1)
		return err
	}

	err = retry.Do(
		func() error { return w.mailer.Send(ctx, email) },
		retry.Attempts(w.cfg.SendAttempts),
		retry.Delay(w.cfg.SendDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
	)
	if err != nil {
		w.failed.Add(1)
		slog.Error("failed to deliver anomaly alert",
			"tx_id", alert.TxID,
			"user_id", alert.UserID,
			"error", err,
		)
		return fmt.Errorf("deliver alert for %s: %w", alert.TxID, err)
	}

	w.sent.Add(1)
	slog.Info("anomaly alert delivered",
		"tx_id", alert.TxID,
		"user_id", alert.UserID,
		"confidence", alert.Confidence,
		"trace_id", alert.TraceID,
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("notifiers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Sent              int64    `json:"sent"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Sent:              w.sent.Load(),
		Failed:            w.failed.Load(),
	}
}
