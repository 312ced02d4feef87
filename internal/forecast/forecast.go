// Package forecast projects next month's spending per category from the
// trailing months of a user's expense history.
package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/spendguard/internal/domain"
)

// DefaultWindowMonths covers the current month and the five before it.
const DefaultWindowMonths = 6

var tracer = otel.Tracer("spendguard-forecast")

// Lister is the slice of the repository the forecast reads.
type Lister interface {
	ListTransactions(ctx context.Context, userID string, filter domain.TransactionFilter) ([]*domain.Transaction, error)
}

// Service builds forecasts from stored expenses.
type Service struct {
	repo   Lister
	months int
	now    func() time.Time
}

// NewService creates a forecast service. months < 1 uses DefaultWindowMonths.
func NewService(repo Lister, months int) *Service {
	if months < 1 {
		months = DefaultWindowMonths
	}
	return &Service{
		repo:   repo,
		months: months,
		now:    time.Now,
	}
}

// Forecast returns the user's monthly category totals since WindowStart and
// the projection for the month after the current one.
func (s *Service) Forecast(ctx context.Context, userID string) (*domain.Forecast, error) {
	now := s.now().UTC()
	since := WindowStart(now, s.months)

	ctx, span := tracer.Start(ctx, "forecast.Forecast",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("forecast.since", since.Format(time.DateOnly)),
		),
	)
	defer span.End()

	txs, err := s.repo.ListTransactions(ctx, userID, domain.TransactionFilter{
		Type:  domain.TypeExpense,
		Since: since,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history unavailable")
		return nil, fmt.Errorf("failed to read expenses since %s: %w", since.Format(time.DateOnly), err)
	}

	f := Project(txs, now)
	span.SetAttributes(
		attribute.Int("forecast.expenses", len(txs)),
		attribute.Int("forecast.categories", len(f.Categories)),
	)
	slog.Debug("forecast built",
		"user_id", userID,
		"expenses", len(txs),
		"categories", len(f.Categories),
		"next_month", f.NextMonth,
	)
	return f, nil
}

// WindowStart returns midnight UTC on the first day of the month that lies
// months-1 months before now.
func WindowStart(now time.Time, months int) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()-time.Month(months-1), 1, 0, 0, 0, 0, time.UTC)
}

// NextMonth returns the month key following now.
func NextMonth(now time.Time) string {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC).Format(domain.MonthLayout)
}

// Project groups expenses by category and calendar month, then adds each
// category's projected total for the month after now. The projection is the
// mean of the months that have any spending, rounded to cents. Income is
// ignored.
func Project(txs []*domain.Transaction, now time.Time) *domain.Forecast {
	next := NextMonth(now)
	grouped := make(map[string]map[string]decimal.Decimal)

	for _, tx := range txs {
		if tx.Type != domain.TypeExpense {
			continue
		}
		months, ok := grouped[tx.Category]
		if !ok {
			months = make(map[string]decimal.Decimal)
			grouped[tx.Category] = months
		}
		month := tx.Date.UTC().Format(domain.MonthLayout)
		months[month] = months[month].Add(tx.Amount)
	}

	for _, months := range grouped {
		total := decimal.Zero
		for _, v := range months {
			total = total.Add(v)
		}
		months[next] = total.Div(decimal.NewFromInt(int64(len(months)))).Round(2)
	}

	return &domain.Forecast{
		Categories: grouped,
		NextMonth:  next,
	}
}
