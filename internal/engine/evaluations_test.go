package engine_test

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow/internal/domain"
	"jobflow/internal/engine"
	"jobflow/internal/scoring"
)

func scores(kv ...any) map[string]domain.CriterionScore {
	out := map[string]domain.CriterionScore{}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = domain.CriterionScore{Score: kv[i+1].(float64)}
	}
	return out
}

func override(v float64) *float64 { return &v }

func (env testEnv) submit(t *testing.T, jobID string, month int, entries ...engine.EvaluationEntry) engine.SubmitResult {
	t.Helper()
	res, err := env.Engine.SubmitEvaluations(env.Ctx, engine.SubmitRequest{
		JobID: jobID, Month: month, Year: 2024, Entries: entries, ActorID: "evaluator",
	})
	require.NoError(t, err)
	require.Empty(t, res.Pending)
	return res
}

func (env testEnv) star(t *testing.T, personnelID string, month int) domain.StarScore {
	t.Helper()
	s, err := env.Engine.StarScore(env.Ctx, domain.PeriodKey{PersonnelID: personnelID, Month: month, Year: 2024})
	require.NoError(t, err)
	return s
}

func TestSubmitComputesWeightedTotal(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "E-1", "IN_PROGRESS")

	res := env.submit(t, job.ID, 5, engine.EvaluationEntry{
		PersonnelID: "p1", EvaluatorID: "coord", Scores: scores("quality", 5.0, "satisfaction", 4.0),
	})
	require.Equal(t, 1, res.Count)
	assert.InDelta(t, 4.67, res.Evaluations[0].TotalScore, 1e-9)
	assert.Equal(t, domain.ScoreModeComputed, res.Evaluations[0].ScoreMode)

	s := env.star(t, "p1", 5)
	assert.InDelta(t, 4.67, s.TotalScore, 1e-9)
	assert.Equal(t, 1, s.EvaluationCount)
}

func TestResubmissionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "E-2", "IN_PROGRESS")
	entry := engine.EvaluationEntry{PersonnelID: "p1", EvaluatorID: "coord", Scores: scores("quality", 4.0, "timeliness", 3.0)}

	first := env.submit(t, job.ID, 5, entry)
	before := env.star(t, "p1", 5)
	second := env.submit(t, job.ID, 5, entry)
	after := env.star(t, "p1", 5)

	assert.Equal(t, first.Evaluations[0].ID, second.Evaluations[0].ID)
	assert.Equal(t, before.TotalScore, after.TotalScore)
	assert.Equal(t, 1, after.EvaluationCount)

	evs, err := env.Engine.Evaluations(env.Ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestStarScoreIsMeanOfEvaluations(t *testing.T) {
	env := newTestEnv(t)
	rng := rand.New(rand.NewSource(42))
	keys := []string{"quality", "timeliness", "cleanliness", "satisfaction"}

	var totals []float64
	for i := 0; i < 12; i++ {
		job := env.createJob(t, "P-"+string(rune('a'+i)), "IN_PROGRESS")
		sc := map[string]domain.CriterionScore{}
		for _, k := range keys {
			if rng.Intn(4) > 0 {
				sc[k] = domain.CriterionScore{Score: float64(rng.Intn(6))}
			}
		}
		if len(sc) == 0 {
			sc["quality"] = domain.CriterionScore{Score: 3}
		}
		res := env.submit(t, job.ID, 5, engine.EvaluationEntry{PersonnelID: "p2", EvaluatorID: "coord", Scores: sc})
		totals = append(totals, res.Evaluations[0].TotalScore)

		mean, n := scoring.Mean(totals)
		s := env.star(t, "p2", 5)
		assert.Equal(t, n, s.EvaluationCount)
		assert.Equal(t, mean, s.TotalScore)
	}
}

func TestStarScoreIgnoresSubmissionOrder(t *testing.T) {
	// 922 cents over four evaluations is an exact half cent
	totals := []float64{3.4, 2.34, 1.19, 2.29}
	var got []float64
	for _, order := range [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}} {
		env := newTestEnv(t)
		for i, idx := range order {
			job := env.createJob(t, "O-"+string(rune('a'+i)), "IN_PROGRESS")
			env.submit(t, job.ID, 5, engine.EvaluationEntry{PersonnelID: "p1", EvaluatorID: "coord", TotalScore: override(totals[idx])})
		}
		got = append(got, env.star(t, "p1", 5).TotalScore)
	}
	assert.Equal(t, []float64{2.31, 2.31, 2.31}, got)
}

func TestOverrideTotalIsStoredToTheCent(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "E-3", "IN_PROGRESS")
	res := env.submit(t, job.ID, 5, engine.EvaluationEntry{
		PersonnelID: "p1", EvaluatorID: "coord", Scores: scores("quality", 5.0), TotalScore: override(3.2),
	})
	assert.Equal(t, domain.ScoreModeOverride, res.Evaluations[0].ScoreMode)
	assert.Equal(t, 3.2, env.star(t, "p1", 5).TotalScore)

	other := env.createJob(t, "E-3b", "IN_PROGRESS")
	res = env.submit(t, other.ID, 5, engine.EvaluationEntry{PersonnelID: "p2", EvaluatorID: "coord", TotalScore: override(3.256)})
	assert.Equal(t, 3.26, res.Evaluations[0].TotalScore)
}

func TestSubmitValidationLeavesNothingBehind(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "E-4", "IN_PROGRESS")
	good := engine.EvaluationEntry{PersonnelID: "p1", EvaluatorID: "coord", Scores: scores("quality", 4.0)}

	cases := []struct {
		name  string
		req   engine.SubmitRequest
		check func(error) bool
	}{
		{"month out of range", engine.SubmitRequest{JobID: job.ID, Month: 13, Year: 2024, Entries: []engine.EvaluationEntry{good}, ActorID: "a"}, engine.IsValidation},
		{"no entries", engine.SubmitRequest{JobID: job.ID, Month: 5, Year: 2024, ActorID: "a"}, engine.IsValidation},
		{"unknown job", engine.SubmitRequest{JobID: "nope", Month: 5, Year: 2024, Entries: []engine.EvaluationEntry{good}, ActorID: "a"}, engine.IsNotFound},
		{"unknown criterion", engine.SubmitRequest{JobID: job.ID, Month: 5, Year: 2024, ActorID: "a", Entries: []engine.EvaluationEntry{
			good, {PersonnelID: "p2", EvaluatorID: "coord", Scores: scores("speed", 4.0)},
		}}, engine.IsNotFound},
		{"score above max", engine.SubmitRequest{JobID: job.ID, Month: 5, Year: 2024, ActorID: "a", Entries: []engine.EvaluationEntry{
			good, {PersonnelID: "p2", EvaluatorID: "coord", Scores: scores("quality", 6.0)},
		}}, engine.IsValidation},
		{"unknown personnel", engine.SubmitRequest{JobID: job.ID, Month: 5, Year: 2024, ActorID: "a", Entries: []engine.EvaluationEntry{
			good, {PersonnelID: "ghost", EvaluatorID: "coord", Scores: scores("quality", 3.0)},
		}}, engine.IsNotFound},
		{"duplicate personnel", engine.SubmitRequest{JobID: job.ID, Month: 5, Year: 2024, ActorID: "a", Entries: []engine.EvaluationEntry{good, good}}, engine.IsValidation},
		{"negative override", engine.SubmitRequest{JobID: job.ID, Month: 5, Year: 2024, ActorID: "a", Entries: []engine.EvaluationEntry{
			{PersonnelID: "p1", EvaluatorID: "coord", TotalScore: override(-1)},
		}}, engine.IsValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.SubmitEvaluations(env.Ctx, tc.req)
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected error kind: %v", err)
		})
	}

	evs, err := env.Engine.Evaluations(env.Ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, evs)
	_, err = env.Engine.StarScore(env.Ctx, domain.PeriodKey{PersonnelID: "p1", Month: 5, Year: 2024})
	assert.True(t, engine.IsNotFound(err))
}

func TestSubmitPeriodMustMatchCompletion(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "E-5", "IN_PROGRESS")
	env.walk(t, job.ID, "QUALITY_CHECK", "DONE")
	entry := engine.EvaluationEntry{PersonnelID: "p1", EvaluatorID: "coord", Scores: scores("quality", 4.0)}

	_, err := env.Engine.SubmitEvaluations(env.Ctx, engine.SubmitRequest{JobID: job.ID, Month: 6, Year: 2024, Entries: []engine.EvaluationEntry{entry}, ActorID: "a"})
	assert.True(t, engine.IsValidation(err))

	env.submit(t, job.ID, 5, entry)
}

func TestMovingEvaluationRecomputesBothPeriods(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "E-6", "IN_PROGRESS")
	entry := engine.EvaluationEntry{PersonnelID: "p1", EvaluatorID: "coord", Scores: scores("quality", 4.0)}

	env.submit(t, job.ID, 4, entry)
	assert.Equal(t, 1, env.star(t, "p1", 4).EvaluationCount)

	env.submit(t, job.ID, 5, entry)
	_, err := env.Engine.StarScore(env.Ctx, domain.PeriodKey{PersonnelID: "p1", Month: 4, Year: 2024})
	assert.True(t, engine.IsNotFound(err))
	assert.Equal(t, 1, env.star(t, "p1", 5).EvaluationCount)

	pending, err := env.Engine.PendingRecomputes(env.Ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConcurrentSubmitsForSamePerson(t *testing.T) {
	env := newTestEnv(t)
	const n = 8
	jobs := make([]domain.Job, n)
	for i := range jobs {
		jobs[i] = env.createJob(t, "C-"+string(rune('a'+i)), "IN_PROGRESS")
	}
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.Engine.SubmitEvaluations(env.Ctx, engine.SubmitRequest{
				JobID: job.ID, Month: 5, Year: 2024, ActorID: "a",
				Entries: []engine.EvaluationEntry{{PersonnelID: "p3", EvaluatorID: "coord", Scores: scores("quality", float64(i%6))}},
			})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	var totals []float64
	for i := 0; i < n; i++ {
		totals = append(totals, float64(i%6))
	}
	mean, _ := scoring.Mean(totals)
	s := env.star(t, "p3", 5)
	assert.Equal(t, n, s.EvaluationCount)
	assert.InDelta(t, mean, s.TotalScore, 1e-9)
}

func TestReconcileRebuildsQueuedScores(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "E-7", "IN_PROGRESS")
	env.submit(t, job.ID, 5, engine.EvaluationEntry{PersonnelID: "p1", EvaluatorID: "coord", Scores: scores("quality", 4.0)})

	k := domain.PeriodKey{PersonnelID: "p1", Month: 5, Year: 2024}
	_, err := env.Engine.DB.Exec(`DELETE FROM star_scores`)
	require.NoError(t, err)
	tx, err := env.Engine.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.EnqueueRecomputeTx(env.Ctx, tx, k, "2024-05-10T09:00:00Z"))
	require.NoError(t, tx.Commit())

	pending, err := env.Engine.PendingRecomputes(env.Ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, k, pending[0].PeriodKey)

	res, err := env.Engine.ReconcileScores(env.Ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, engine.ReconcileResult{Processed: 1}, res)
	assert.InDelta(t, 4.0, env.star(t, "p1", 5).TotalScore, 1e-9)

	pending, err = env.Engine.PendingRecomputes(env.Ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecomputeAllRestoresPeriod(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "E-8", "IN_PROGRESS")
	env.submit(t, job.ID, 5,
		engine.EvaluationEntry{PersonnelID: "p1", EvaluatorID: "coord", Scores: scores("quality", 4.0)},
		engine.EvaluationEntry{PersonnelID: "p2", EvaluatorID: "coord", Scores: scores("quality", 2.0)},
	)
	_, err := env.Engine.DB.Exec(`DELETE FROM star_scores`)
	require.NoError(t, err)

	n, err := env.Engine.RecomputeAll(env.Ctx, 5, 2024)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 2.0, env.star(t, "p2", 5).TotalScore, 1e-9)

	_, err = env.Engine.RecomputeAll(env.Ctx, 0, 2024)
	assert.True(t, engine.IsValidation(err))
}

func TestLeaderboardRanksAndSummarises(t *testing.T) {
	env := newTestEnv(t)
	a := env.createJob(t, "L-1", "IN_PROGRESS")
	b := env.createJob(t, "L-2", "IN_PROGRESS")
	env.submit(t, a.ID, 5,
		engine.EvaluationEntry{PersonnelID: "p1", EvaluatorID: "c", TotalScore: override(4.5)},
		engine.EvaluationEntry{PersonnelID: "p2", EvaluatorID: "c", TotalScore: override(4.5)},
		engine.EvaluationEntry{PersonnelID: "p3", EvaluatorID: "c", TotalScore: override(3.0)},
	)
	env.submit(t, b.ID, 5, engine.EvaluationEntry{PersonnelID: "p2", EvaluatorID: "c", TotalScore: override(4.5)})

	board, err := env.Engine.Leaderboard(env.Ctx, 5, 2024)
	require.NoError(t, err)
	require.Len(t, board.Entries, 3)
	assert.Equal(t, []string{"p2", "p1", "p3"}, []string{board.Entries[0].PersonnelID, board.Entries[1].PersonnelID, board.Entries[2].PersonnelID})
	assert.Equal(t, 1, board.Entries[0].Rank)
	assert.Equal(t, "Bruno", board.Entries[0].DisplayName)
	assert.Equal(t, domain.Stars{Filled: 4, Half: true}, board.Entries[0].Stars)
	assert.Equal(t, domain.Stars{Filled: 3}, board.Entries[2].Stars)
	assert.Equal(t, 3, board.Stats.Count)
	assert.InDelta(t, 4.0, board.Stats.MeanScore, 1e-9)
	require.NotNil(t, board.Stats.TopPerformer)
	assert.Equal(t, "p2", board.Stats.TopPerformer.PersonnelID)

	again, err := env.Engine.Leaderboard(env.Ctx, 5, 2024)
	require.NoError(t, err)
	assert.Equal(t, board, again)

	empty, err := env.Engine.Leaderboard(env.Ctx, 6, 2024)
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)
	assert.Nil(t, empty.Stats.TopPerformer)
}
