package anomaly

import (
	"sort"

	"github.com/opensource-finance/spendguard/internal/domain"
)

// Aggregate picks the highest-confidence trigger as the verdict. Other reasons
// are dropped, not merged. Ties keep detector order. No triggers yields nil.
func Aggregate(triggers []domain.Trigger) *domain.Verdict {
	if len(triggers) == 0 {
		return nil
	}

	ranked := make([]domain.Trigger, len(triggers))
	copy(ranked, triggers)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})

	top := ranked[0]
	return &domain.Verdict{
		Confidence: clampConfidence(top.Confidence),
		Reason:     top.Reason,
	}
}
