package scoring

import (
	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
)

// Profile labels, from the highest tier to the lowest.
const (
	ProfileVisionaryAchiever  = "Visionary Achiever"
	ProfileConsistentBuilder  = "Consistent Builder"
	ProfileEvolvingOperator   = "Evolving Operator"
	ProfileOverloadedRecovery = "Overloaded / Recovering"
)

// Aggregate sums answer values by pillar. Every pillar is present in the
// result, with 0 for pillars that received no answers.
func Aggregate(answers []models.Answer) models.PillarTotals {
	totals := make(models.PillarTotals, len(models.PillarOrder))
	for _, code := range models.PillarOrder {
		totals[code] = 0
	}
	for _, a := range answers {
		if _, ok := totals[a.PillarCode]; !ok {
			continue
		}
		totals[a.PillarCode] += a.Value
	}
	return totals
}

// DominantAndWeakest returns the pillars with the highest and lowest totals.
// Ties go to the pillar that comes first in catalog order.
func DominantAndWeakest(totals models.PillarTotals) (strongest, weakest models.PillarCode) {
	for i, code := range models.PillarOrder {
		v := totals[code]
		if i == 0 || v > totals[strongest] {
			strongest = code
		}
		if i == 0 || v < totals[weakest] {
			weakest = code
		}
	}
	return strongest, weakest
}

// TotalScore is the sum of all pillar totals (30..150 for a complete session).
func TotalScore(totals models.PillarTotals) int {
	sum := 0
	for _, code := range models.PillarOrder {
		sum += totals[code]
	}
	return sum
}

// Profile maps a total score to its profile label. Lower bounds are inclusive.
func Profile(score int) string {
	switch {
	case score >= 120:
		return ProfileVisionaryAchiever
	case score >= 100:
		return ProfileConsistentBuilder
	case score >= 80:
		return ProfileEvolvingOperator
	default:
		return ProfileOverloadedRecovery
	}
}
