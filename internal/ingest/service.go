// Package ingest records transactions and runs advisory anomaly scoring on
// each new expense after it is durably stored.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/spendguard/internal/domain"
)

var tracer = otel.Tracer("spendguard-ingest")

// Scorer scores a candidate expense.
type Scorer interface {
	Score(ctx context.Context, c *domain.Candidate) (*domain.Verdict, error)
}

// AlertPolicy decides whether a verdict becomes a notification.
type AlertPolicy interface {
	ShouldAlert(tx *domain.Transaction, v *domain.Verdict) (bool, error)
}

// Result is the outcome of recording one transaction.
type Result struct {
	Transaction *domain.Transaction `json:"transaction"`
	Account     *domain.Account     `json:"account"`
	Verdict     *domain.Verdict     `json:"anomaly,omitempty"`
	Alerted     bool                `json:"alerted"`

	// ScoringError is set when the record succeeded but scoring could not decide.
	ScoringError string `json:"scoringError,omitempty"`
}

// Service records transactions and scores expenses.
type Service struct {
	repo     domain.Repository
	scorer   Scorer
	policy   AlertPolicy
	bus      domain.EventBus
	cache    domain.Cache
	cacheTTL time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithCache makes recorded transactions available to read-through lookups.
func WithCache(cache domain.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// NewService creates the ingestion service. policy and bus may be nil, in
// which case every verdict is returned but nothing is published.
func NewService(repo domain.Repository, scorer Scorer, policy AlertPolicy, bus domain.EventBus, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		scorer:   scorer,
		policy:   policy,
		bus:      bus,
		cacheTTL: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record validates and persists a transaction, then scores it if it is an
// expense. Scoring never fails or rolls back the record: a scorer error is
// logged, published on TopicAnomalyFailed and reported in Result.ScoringError.
func (s *Service) Record(ctx context.Context, userID string, req *domain.TransactionRequest) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidTransaction)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "ingest.Record",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("tx.type", string(req.Type)),
		),
	)
	defer span.End()

	tx := req.ToTransaction(userID)
	tx.ID = uuid.New().String()

	acct, err := s.persist(ctx, userID, tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, err
	}

	result := &Result{Transaction: tx, Account: acct}

	s.afterWrite(ctx, tx, domain.TopicTransactionRecorded)

	if tx.Type != domain.TypeExpense {
		return result, nil
	}

	verdict, err := s.scorer.Score(ctx, domain.CandidateFromTransaction(tx))
	if err != nil {
		span.RecordError(err)
		result.ScoringError = err.Error()
		s.reportScoringFailure(ctx, tx, err)
		return result, nil
	}

	result.Verdict = verdict
	if verdict == nil {
		return result, nil
	}

	span.SetAttributes(attribute.Int("anomaly.confidence", verdict.Confidence))
	result.Alerted = s.alert(ctx, tx, verdict)

	return result, nil
}

// Update replaces a recorded transaction and moves account balances to match.
// A request without a date keeps the stored date. Edits are not rescored;
// the verdict on the original record stands.
func (s *Service) Update(ctx context.Context, userID, txID string, req *domain.TransactionRequest) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidTransaction)
	}
	if txID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", domain.ErrInvalidTransaction)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "ingest.Update",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("tx.id", txID),
		),
	)
	defer span.End()

	if req.Date == nil {
		cur, err := s.repo.GetTransaction(ctx, userID, txID)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to load transaction %s: %w", txID, err)
		}
		dated := *req
		dated.Date = &cur.Date
		req = &dated
	}

	tx := req.ToTransaction(userID)
	tx.ID = txID

	acct, err := s.repo.UpdateTransaction(ctx, userID, tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}

	s.afterWrite(ctx, tx, domain.TopicTransactionUpdated)

	slog.Info("transaction updated",
		"tx_id", tx.ID,
		"user_id", userID,
		"account_id", acct.ID,
	)
	return &Result{Transaction: tx, Account: acct}, nil
}

// Preview scores a candidate without recording it.
func (s *Service) Preview(ctx context.Context, userID string, c *domain.Candidate) (*domain.Verdict, error) {
	ctx, span := tracer.Start(ctx, "ingest.Preview")
	defer span.End()

	if c == nil {
		return nil, fmt.Errorf("%w: candidate is nil", domain.ErrInvalidCandidate)
	}

	cand := *c
	cand.UserID = userID
	if cand.Date.IsZero() {
		cand.Date = time.Now().UTC()
	}

	v, err := s.scorer.Score(ctx, &cand)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return v, nil
}

func (s *Service) persist(ctx context.Context, userID string, tx *domain.Transaction) (*domain.Account, error) {
	ctx, span := tracer.Start(ctx, "ingest.persist")
	defer span.End()

	acct, err := s.repo.CreateTransaction(ctx, userID, tx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	span.SetAttributes(attribute.String("tx.id", tx.ID))
	return acct, nil
}

// afterWrite primes the cache and announces the write on topic. Both are
// best effort.
func (s *Service) afterWrite(ctx context.Context, tx *domain.Transaction, topic string) {
	if s.cache != nil {
		if err := s.cache.SetTransaction(ctx, tx.UserID, tx, s.cacheTTL); err != nil {
			slog.Warn("failed to cache transaction",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	s.publish(ctx, tx.UserID, topic, tx)
}

// alert applies the policy and publishes the alert. A policy evaluation
// error alerts anyway.
func (s *Service) alert(ctx context.Context, tx *domain.Transaction, v *domain.Verdict) bool {
	if s.policy != nil {
		ok, err := s.policy.ShouldAlert(tx, v)
		if err != nil {
			slog.Error("alert policy failed, alerting anyway",
				"tx_id", tx.ID,
				"error", err,
			)
			ok = true
		}
		if !ok {
			slog.Debug("verdict suppressed by alert policy",
				"tx_id", tx.ID,
				"confidence", v.Confidence,
			)
			return false
		}
	}

	alert := domain.NewAnomalyAlert(tx, v)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		alert.TraceID = sc.TraceID().String()
	}

	slog.Info("anomaly detected",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"confidence", v.Confidence,
		"reason", v.Reason,
	)

	return s.publish(ctx, tx.UserID, domain.TopicAnomalyAlert, alert)
}

func (s *Service) reportScoringFailure(ctx context.Context, tx *domain.Transaction, err error) {
	slog.Error("anomaly scoring failed",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"error", err,
	)

	s.publish(ctx, tx.UserID, domain.TopicAnomalyFailed, &domain.ScoringFailure{
		TxID:     tx.ID,
		UserID:   tx.UserID,
		Error:    err.Error(),
		FailedAt: time.Now().UTC(),
	})
}

func (s *Service) publish(ctx context.Context, userID, topic string, v any) bool {
	if s.bus == nil {
		return false
	}

	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return false
	}

	if err := s.bus.Publish(ctx, userID, topic, payload); err != nil {
		slog.Error("failed to publish event",
			"topic", topic,
			"user_id", userID,
			"error", err,
		)
		return false
	}
	return true
}
