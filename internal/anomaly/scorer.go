// Package anomaly flags unusual expenses using z-score outliers, merchant
// novelty and duplicate-charge velocity over a user's expense history.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/spendguard/internal/domain"
)

var tracer = otel.Tracer("spendguard-anomaly")

// Scorer scores candidate expenses against history read from a HistoryProvider.
// It holds no mutable state and is safe for concurrent use.
type Scorer struct {
	history domain.HistoryProvider
	cfg     domain.AnomalyConfig
}

// NewScorer creates a scorer. Zero-valued fields in cfg take their defaults.
func NewScorer(history domain.HistoryProvider, cfg domain.AnomalyConfig) *Scorer {
	return &Scorer{
		history: history,
		cfg:     withDefaults(cfg),
	}
}

// Config returns the effective detector configuration.
func (s *Scorer) Config() domain.AnomalyConfig {
	return s.cfg
}

// Score returns the most suspicious signal for c, or nil when nothing fired.
// Income candidates are never scored. Any history read failure aborts scoring
// with domain.ErrHistoryUnavailable; it is never reported as "no anomaly".
func (s *Scorer) Score(ctx context.Context, c *domain.Candidate) (*domain.Verdict, error) {
	if err := validate(c); err != nil {
		return nil, err
	}
	if c.Type != domain.TypeExpense {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "anomaly.Score",
		trace.WithAttributes(
			attribute.String("user.id", c.UserID),
			attribute.String("tx.category", c.Category),
		),
	)
	defer span.End()

	snap, err := s.fetch(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history unavailable")
		return nil, err
	}

	triggers := Evaluate(s.cfg, c, snap)
	verdict := Aggregate(triggers)

	span.SetAttributes(attribute.Int("anomaly.triggers", len(triggers)))
	if verdict != nil {
		span.SetAttributes(attribute.Int("anomaly.confidence", verdict.Confidence))
	}

	slog.Debug("expense scored",
		"user_id", c.UserID,
		"tx_id", c.ID,
		"triggers", len(triggers),
		"flagged", verdict != nil,
	)

	return verdict, nil
}

// fetch issues the history reads concurrently. Merchant and duplicate reads
// only run when the candidate names a merchant.
func (s *Scorer) fetch(ctx context.Context, c *domain.Candidate) (*Snapshot, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	q := domain.HistoryQuery{
		UserID:      c.UserID,
		Category:    c.Category,
		Description: c.Description,
		Amount:      c.Amount,
		ExcludeID:   c.ID,
	}

	snap := &Snapshot{}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	read := func(name string, dst *[]*domain.Transaction, fn func(context.Context) ([]*domain.Transaction, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()

			readCtx, span := tracer.Start(ctx, "anomaly.history."+name)
			defer span.End()

			txs, err := fn(readCtx)
			if err != nil {
				span.RecordError(err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				return
			}
			*dst = txs
		}()
	}

	read("category", &snap.Category, func(ctx context.Context) ([]*domain.Transaction, error) {
		return s.history.RecentByCategory(ctx, q, s.cfg.CategoryLimit)
	})
	read("overall", &snap.Overall, func(ctx context.Context) ([]*domain.Transaction, error) {
		return s.history.RecentOverall(ctx, q, s.cfg.OverallLimit)
	})
	if c.Description != "" {
		read("merchant", &snap.Merchant, func(ctx context.Context) ([]*domain.Transaction, error) {
			return s.history.RecentByMerchant(ctx, q, s.cfg.MerchantLimit)
		})
		start := c.Date.Add(-s.cfg.VelocityWindow)
		read("duplicates", &snap.Duplicates, func(ctx context.Context) ([]*domain.Transaction, error) {
			return s.history.ExactDuplicatesInWindow(ctx, q, start, c.Date)
		})
	}

	wg.Wait()

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrHistoryUnavailable, errors.Join(errs...))
	}
	return snap, nil
}

func validate(c *domain.Candidate) error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: candidate is nil", domain.ErrInvalidCandidate)
	case c.UserID == "":
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidCandidate)
	case c.Type == "":
		return fmt.Errorf("%w: type is required", domain.ErrInvalidCandidate)
	case !c.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", domain.ErrInvalidCandidate, c.Type)
	case !c.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive, got %s", domain.ErrInvalidCandidate, c.Amount)
	case c.Date.IsZero():
		return fmt.Errorf("%w: date is required", domain.ErrInvalidCandidate)
	}
	return nil
}

func withDefaults(cfg domain.AnomalyConfig) domain.AnomalyConfig {
	def := domain.DefaultAnomalyConfig()

	if cfg.CategoryLimit <= 0 {
		cfg.CategoryLimit = def.CategoryLimit
	}
	if cfg.CategoryMinSamples <= 0 {
		cfg.CategoryMinSamples = def.CategoryMinSamples
	}
	if cfg.CategoryZThreshold <= 0 {
		cfg.CategoryZThreshold = def.CategoryZThreshold
	}
	if cfg.MerchantLimit <= 0 {
		cfg.MerchantLimit = def.MerchantLimit
	}
	if cfg.MerchantMinHistory <= 0 {
		cfg.MerchantMinHistory = def.MerchantMinHistory
	}
	if cfg.MerchantConfidence <= 0 {
		cfg.MerchantConfidence = def.MerchantConfidence
	}
	if cfg.OverallLimit <= 0 {
		cfg.OverallLimit = def.OverallLimit
	}
	if cfg.OverallMinSamples <= 0 {
		cfg.OverallMinSamples = def.OverallMinSamples
	}
	if cfg.OverallZThreshold <= 0 {
		cfg.OverallZThreshold = def.OverallZThreshold
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = def.VelocityWindow
	}
	if cfg.VelocityConfidence <= 0 {
		cfg.VelocityConfidence = def.VelocityConfidence
	}
	return cfg
}
