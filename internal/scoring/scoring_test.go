package scoring

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow/internal/domain"
)

func TestWeightedTotalExample(t *testing.T) {
	scores := map[string]domain.CriterionScore{
		"quality":      {Score: 5},
		"satisfaction": {Score: 4},
	}
	weights := map[string]float64{"quality": 2, "satisfaction": 1, "timeliness": 1.5}
	assert.Equal(t, 4.67, WeightedTotal(scores, weights))
}

func TestWeightedTotalIgnoresUnweightedKeys(t *testing.T) {
	assert.Equal(t, 0.0, WeightedTotal(nil, nil))
	assert.Equal(t, 3.0, WeightedTotal(map[string]domain.CriterionScore{"a": {Score: 3}, "b": {Score: 1}}, map[string]float64{"a": 1}))
}

func TestWeightedTotalIsStable(t *testing.T) {
	// 21.801/8.6 lands on a rounding boundary
	scores := map[string]domain.CriterionScore{
		"c0": {Score: 2.09},
		"c1": {Score: 4.63},
		"c2": {Score: 1.63},
		"c3": {Score: 1.24},
	}
	weights := map[string]float64{"c0": 2.2, "c1": 2.4, "c2": 2.9, "c3": 1.1}
	first := WeightedTotal(scores, weights)
	assert.InDelta(t, 2.535, first, 0.0051)
	for i := 0; i < 500; i++ {
		require.Equal(t, first, WeightedTotal(scores, weights))
	}
}

func TestStarsFor(t *testing.T) {
	assert.Equal(t, domain.Stars{Filled: 4, Half: true}, StarsFor(4.5))
	assert.Equal(t, domain.Stars{Filled: 4, Half: false}, StarsFor(4.3))
	assert.Equal(t, domain.Stars{Filled: 5, Half: false}, StarsFor(5))
	assert.Equal(t, domain.Stars{Filled: 0, Half: false}, StarsFor(0))
}

func TestMeanMatchesArithmeticMean(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(20)
		totals := make([]float64, n)
		var sum float64
		for j := range totals {
			totals[j] = Round2(rng.Float64() * 5)
			sum += totals[j]
		}
		mean, count := Mean(totals)
		require.Equal(t, n, count)
		assert.InDelta(t, sum/float64(n), mean, 0.0051)
	}
	mean, count := Mean(nil)
	assert.Zero(t, mean)
	assert.Zero(t, count)
}

func TestMeanIgnoresOrder(t *testing.T) {
	totals := []float64{3.4, 2.34, 1.19, 2.29}
	mean, _ := Mean(totals)
	assert.Equal(t, 2.31, mean)

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		shuffled := append([]float64(nil), totals...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, _ := Mean(shuffled)
		require.Equal(t, mean, got, "%v", shuffled)
	}

	for i := 0; i < 100; i++ {
		values := make([]float64, 2+rng.Intn(15))
		for j := range values {
			values[j] = Round2(rng.Float64() * 5)
		}
		want, _ := Mean(values)
		reversed := make([]float64, len(values))
		for j, v := range values {
			reversed[len(values)-1-j] = v
		}
		got, _ := Mean(reversed)
		require.Equal(t, want, got, "%v", values)
	}
}

func TestMeanRoundsHalfCentUp(t *testing.T) {
	mean, _ := Mean([]float64{1.01, 1.02})
	assert.Equal(t, 1.02, mean)
	mean, _ = Mean([]float64{0.01, 0, 0})
	assert.Equal(t, 0.0, mean)
}

func TestRankTieBreaks(t *testing.T) {
	in := []Candidate{
		{PersonnelID: "p4", DisplayName: "Dana", TotalScore: 4.2, EvaluationCount: 3},
		{PersonnelID: "p1", DisplayName: "Bruno", TotalScore: 4.5, EvaluationCount: 2},
		{PersonnelID: "p2", DisplayName: "Ana", TotalScore: 4.5, EvaluationCount: 2},
		{PersonnelID: "p3", DisplayName: "Carla", TotalScore: 4.5, EvaluationCount: 5},
		{PersonnelID: "p0", DisplayName: "Ana", TotalScore: 4.5, EvaluationCount: 2},
	}
	ranked := Rank(in)
	var ids []string
	for i, e := range ranked {
		assert.Equal(t, i+1, e.Rank)
		ids = append(ids, e.PersonnelID)
	}
	assert.Equal(t, []string{"p3", "p0", "p2", "p1", "p4"}, ids)
	assert.Equal(t, domain.Stars{Filled: 4, Half: true}, ranked[0].Stars)

	// input order must not matter
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]Candidate(nil), in...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, ranked, Rank(shuffled))
	}
}

func TestStats(t *testing.T) {
	empty := Stats(nil)
	assert.Equal(t, 0, empty.Count)
	assert.Nil(t, empty.TopPerformer)

	ranked := Rank([]Candidate{
		{PersonnelID: "a", DisplayName: "A", TotalScore: 4, EvaluationCount: 1},
		{PersonnelID: "b", DisplayName: "B", TotalScore: 3.5, EvaluationCount: 1},
		{PersonnelID: "c", DisplayName: "C", TotalScore: 3, EvaluationCount: 1},
	})
	stats := Stats(ranked)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 3.5, stats.MeanScore)
	require.NotNil(t, stats.TopPerformer)
	assert.Equal(t, "a", stats.TopPerformer.PersonnelID)
}
