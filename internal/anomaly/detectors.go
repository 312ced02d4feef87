package anomaly

import (
	"fmt"
	"math"

	"github.com/opensource-finance/spendguard/internal/domain"
)

// Detector names, recorded on triggers for logging only.
const (
	DetectorCategory = "category_zscore"
	DetectorMerchant = "merchant_novelty"
	DetectorOverall  = "overall_zscore"
	DetectorVelocity = "velocity"
)

const maxConfidence = 99

// Snapshot is the history a candidate is scored against.
type Snapshot struct {
	Category   []*domain.Transaction
	Merchant   []*domain.Transaction
	Overall    []*domain.Transaction
	Duplicates []*domain.Transaction
}

// Evaluate runs every applicable detector against snap and returns the
// triggers that fired, in detector order. It performs no I/O.
func Evaluate(cfg domain.AnomalyConfig, c *domain.Candidate, snap *Snapshot) []domain.Trigger {
	amount := c.Amount.InexactFloat64()

	var triggers []domain.Trigger
	if t := categoryZScore(cfg, c.Category, amount, snap.Category); t != nil {
		triggers = append(triggers, *t)
	}
	if c.Description != "" {
		if t := merchantNovelty(cfg, c.Description, snap.Merchant); t != nil {
			triggers = append(triggers, *t)
		}
	}
	if t := overallZScore(cfg, amount, snap.Overall); t != nil {
		triggers = append(triggers, *t)
	}
	if c.Description != "" {
		if t := velocityBurst(cfg, c.Description, snap.Duplicates); t != nil {
			triggers = append(triggers, *t)
		}
	}
	return triggers
}

func categoryZScore(cfg domain.AnomalyConfig, category string, amount float64, history []*domain.Transaction) *domain.Trigger {
	if len(history) < cfg.CategoryMinSamples {
		return nil
	}

	z := zScore(amount, amounts(history))
	if math.Abs(z) <= cfg.CategoryZThreshold {
		return nil
	}

	return &domain.Trigger{
		Detector:   DetectorCategory,
		Confidence: zConfidence(z),
		Reason:     fmt.Sprintf("Unusual amount for category '%s' (z-score: %.2f)", category, z),
	}
}

// merchantNovelty fires when the user has fewer than MerchantMinHistory prior
// expenses at the merchant. Novelty alone is the signal; amount is ignored.
func merchantNovelty(cfg domain.AnomalyConfig, merchant string, history []*domain.Transaction) *domain.Trigger {
	if len(history) >= cfg.MerchantMinHistory {
		return nil
	}

	return &domain.Trigger{
		Detector:   DetectorMerchant,
		Confidence: clampConfidence(cfg.MerchantConfidence),
		Reason:     fmt.Sprintf("First time spending at merchant '%s'", merchant),
	}
}

func overallZScore(cfg domain.AnomalyConfig, amount float64, history []*domain.Transaction) *domain.Trigger {
	if len(history) < cfg.OverallMinSamples {
		return nil
	}

	z := zScore(amount, amounts(history))
	if math.Abs(z) <= cfg.OverallZThreshold {
		return nil
	}

	return &domain.Trigger{
		Detector:   DetectorOverall,
		Confidence: zConfidence(z),
		Reason:     fmt.Sprintf("Unusual amount compared to your overall spending (z-score: %.2f)", z),
	}
}

// velocityBurst counts the candidate together with its prior exact duplicates
// inside the window; more than one occurrence fires.
func velocityBurst(cfg domain.AnomalyConfig, merchant string, duplicates []*domain.Transaction) *domain.Trigger {
	occurrences := len(duplicates) + 1
	if occurrences <= 1 {
		return nil
	}

	return &domain.Trigger{
		Detector:   DetectorVelocity,
		Confidence: clampConfidence(cfg.VelocityConfidence),
		Reason: fmt.Sprintf("Multiple identical transactions at '%s' within %s",
			merchant, formatWindow(cfg.VelocityWindow.Minutes())),
	}
}

func amounts(txs []*domain.Transaction) []float64 {
	out := make([]float64, len(txs))
	for i, tx := range txs {
		out[i] = tx.Amount.InexactFloat64()
	}
	return out
}

// meanStdDev returns the mean and the population standard deviation (divides by N).
func meanStdDev(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}

	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// zScore is 0 when the history has no spread.
func zScore(value float64, history []float64) float64 {
	mean, std := meanStdDev(history)
	if std == 0 {
		return 0
	}
	return (value - mean) / std
}

// zConfidence maps |z| to min(99, round(|z|*40 + 40)), rounding halves up.
func zConfidence(z float64) int {
	c := math.Floor(math.Abs(z)*40 + 40 + 0.5)
	if c > maxConfidence {
		return maxConfidence
	}
	return int(c)
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > maxConfidence {
		return maxConfidence
	}
	return c
}

func formatWindow(minutes float64) string {
	if minutes == math.Trunc(minutes) {
		return fmt.Sprintf("%d minutes", int(minutes))
	}
	return fmt.Sprintf("%.1f minutes", minutes)
}
