package scoring

import (
	"math"
	"sort"
	"strings"

	"jobflow/internal/domain"
)

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// cents converts a total to integer hundredths, rounding half away from zero.
func cents(v float64) int64 {
	return int64(math.Round(v * 100))
}

// WeightedTotal computes Σ(score×weight)/Σ(weight) over the scored criteria,
// rounded to two decimals. Keys without a weight are ignored. Terms are
// accumulated in key order so equal inputs always give the same total.
func WeightedTotal(scores map[string]domain.CriterionScore, weights map[string]float64) float64 {
	keys := make([]string, 0, len(scores))
	for key := range scores {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var sum, weightSum float64
	for _, key := range keys {
		w, ok := weights[key]
		if !ok || w <= 0 {
			continue
		}
		sum += scores[key].Score * w
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return Round2(sum / weightSum)
}

// Mean returns the arithmetic mean of totals rounded to two decimals and the
// number of values. Totals are summed as integer cents and divided once, so
// the result does not depend on their order.
func Mean(totals []float64) (float64, int) {
	n := int64(len(totals))
	if n == 0 {
		return 0, 0
	}
	var sum int64
	for _, v := range totals {
		sum += cents(v)
	}
	return float64(divRound(sum, n)) / 100, len(totals)
}

// divRound divides a by b (b > 0) rounding half away from zero.
func divRound(a, b int64) int64 {
	if a < 0 {
		return -((-a*2 + b) / (b * 2))
	}
	return (a*2 + b) / (b * 2)
}

func StarsFor(total float64) domain.Stars {
	if total < 0 {
		total = 0
	}
	filled := math.Floor(total)
	return domain.Stars{Filled: int(filled), Half: total-filled >= 0.5}
}

// Candidate is one StarScore joined with its person's display name.
type Candidate struct {
	PersonnelID     string
	DisplayName     string
	TotalScore      float64
	EvaluationCount int
}

// Rank orders candidates by total desc, evaluation count desc, display name
// asc and personnel id asc, then assigns 1-based ranks.
func Rank(in []Candidate) []domain.RankedEntry {
	cs := append([]Candidate(nil), in...)
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if a.EvaluationCount != b.EvaluationCount {
			return a.EvaluationCount > b.EvaluationCount
		}
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c < 0
		}
		return a.PersonnelID < b.PersonnelID
	})
	out := make([]domain.RankedEntry, 0, len(cs))
	for i, c := range cs {
		out = append(out, domain.RankedEntry{
			Rank:            i + 1,
			PersonnelID:     c.PersonnelID,
			DisplayName:     c.DisplayName,
			TotalScore:      c.TotalScore,
			EvaluationCount: c.EvaluationCount,
			Stars:           StarsFor(c.TotalScore),
		})
	}
	return out
}

func Stats(entries []domain.RankedEntry) domain.LeaderboardStats {
	stats := domain.LeaderboardStats{Count: len(entries)}
	if len(entries) == 0 {
		return stats
	}
	totals := make([]float64, 0, len(entries))
	for _, e := range entries {
		totals = append(totals, e.TotalScore)
	}
	stats.MeanScore, _ = Mean(totals)
	top := entries[0]
	stats.TopPerformer = &top
	return stats
}
