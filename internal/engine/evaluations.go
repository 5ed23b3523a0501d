package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"jobflow/internal/audit"
	"jobflow/internal/domain"
	"jobflow/internal/observability"
	"jobflow/internal/repo"
	"jobflow/internal/scoring"
)

// EvaluationEntry scores one person on one job. A non-nil TotalScore is
// stored as an override instead of the weighted average.
type EvaluationEntry struct {
	PersonnelID string                           `json:"personnel_id" validate:"required"`
	EvaluatorID string                           `json:"evaluator_id" validate:"required"`
	Scores      map[string]domain.CriterionScore `json:"scores"`
	TotalScore  *float64                         `json:"total_score,omitempty"`
}

type SubmitRequest struct {
	JobID   string            `json:"job_id" validate:"required"`
	Month   int               `json:"month" validate:"gte=1,lte=12"`
	Year    int               `json:"year" validate:"gte=1"`
	Entries []EvaluationEntry `json:"entries" validate:"min=1,dive"`
	ActorID string            `json:"actor_id" validate:"required"`
}

type SubmitResult struct {
	Count       int                 `json:"count"`
	Evaluations []domain.Evaluation `json:"evaluations"`
	// Pending lists periods whose StarScore could not be recomputed inline;
	// they stay queued for ReconcileScores.
	Pending []domain.PeriodKey `json:"pending,omitempty"`
}

func periodLockKey(k domain.PeriodKey) string {
	return fmt.Sprintf("%s|%04d-%02d", k.PersonnelID, k.Year, k.Month)
}

// SubmitEvaluations upserts one evaluation per entry and recomputes the
// affected StarScores from scratch. All entries are validated before any
// write.
func (e Engine) SubmitEvaluations(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	ctx, span := observability.StartSpan(ctx, e.tracer(), "engine.SubmitEvaluations",
		attribute.String(observability.JobIDKey, req.JobID),
		attribute.String(observability.PeriodKey, fmt.Sprintf("%04d-%02d", req.Year, req.Month)),
	)
	defer span.End()

	evals, err := e.prepareEvaluations(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return SubmitResult{}, err
	}
	res := SubmitResult{Evaluations: make([]domain.Evaluation, 0, len(evals))}
	for _, ev := range evals {
		stored, dirty, err := e.storeEvaluation(ctx, ev, req.ActorID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		res.Count++
		res.Evaluations = append(res.Evaluations, stored)
		// The evaluation is durable; recompute even if the caller went away.
		post := context.WithoutCancel(ctx)
		for _, k := range dirty {
			if err := e.recomputeWithRetry(post, k); err != nil {
				res.Pending = append(res.Pending, k)
			}
		}
	}
	return res, nil
}

func (e Engine) prepareEvaluations(ctx context.Context, req SubmitRequest) ([]domain.Evaluation, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}
	job, err := e.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.CompletedAt != nil {
		completed, err := time.Parse(time.RFC3339, *job.CompletedAt)
		if err == nil && (int(completed.Month()) != req.Month || completed.Year() != req.Year) {
			return nil, invalid("month", fmt.Sprintf("period %04d-%02d does not match job completion %s", req.Year, req.Month, completed.Format("2006-01")))
		}
	}
	snap := e.Rules.Snapshot()
	weights := map[string]float64{}
	for _, c := range snap.Criteria() {
		if c.Active {
			weights[c.Key] = c.Weight
		}
	}
	seen := map[string]bool{}
	now := e.timestamp()
	out := make([]domain.Evaluation, 0, len(req.Entries))
	for i, entry := range req.Entries {
		field := fmt.Sprintf("entries[%d]", i)
		if seen[entry.PersonnelID] {
			return nil, invalid(field+".personnel_id", "is duplicated")
		}
		seen[entry.PersonnelID] = true
		if _, err := e.Repo.GetPersonnel(ctx, entry.PersonnelID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, notFound("personnel", entry.PersonnelID)
			}
			return nil, persistence("get personnel", err)
		}
		if len(entry.Scores) == 0 && entry.TotalScore == nil {
			return nil, invalid(field+".scores", "is required")
		}
		for key, s := range entry.Scores {
			c, ok := snap.Criterion(key)
			if !ok {
				return nil, notFound("criterion", key)
			}
			if !c.Active {
				return nil, invalid(field+".scores."+key, "criterion is inactive")
			}
			if math.IsNaN(s.Score) || s.Score < 0 || s.Score > c.MaxScore {
				return nil, invalid(field+".scores."+key, fmt.Sprintf("must be between 0 and %g", c.MaxScore))
			}
		}
		ev := domain.Evaluation{
			JobID:       job.ID,
			PersonnelID: entry.PersonnelID,
			EvaluatorID: strings.TrimSpace(entry.EvaluatorID),
			Scores:      entry.Scores,
			Month:       req.Month,
			Year:        req.Year,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if ev.Scores == nil {
			ev.Scores = map[string]domain.CriterionScore{}
		}
		if entry.TotalScore != nil {
			t := *entry.TotalScore
			if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
				return nil, invalid(field+".total_score", "must be a finite non-negative number")
			}
			ev.TotalScore = scoring.Round2(t)
			ev.ScoreMode = domain.ScoreModeOverride
		} else {
			ev.TotalScore = scoring.WeightedTotal(entry.Scores, weights)
			ev.ScoreMode = domain.ScoreModeComputed
		}
		out = append(out, ev)
	}
	return out, nil
}

// storeEvaluation upserts ev and queues the periods it touches in one
// transaction. It returns the dirty keys to recompute.
func (e Engine) storeEvaluation(ctx context.Context, ev domain.Evaluation, actorID string) (domain.Evaluation, []domain.PeriodKey, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ev, nil, persistence("begin evaluation", err)
	}
	defer tx.Rollback()

	prev, err := e.Repo.GetEvaluationTx(ctx, tx, ev.JobID, ev.PersonnelID)
	existed := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return ev, nil, persistence("get evaluation", err)
	}
	if existed {
		ev.ID = prev.ID
		ev.CreatedAt = prev.CreatedAt
	} else {
		ev.ID = uuid.NewString()
	}
	if err := e.Repo.UpsertEvaluationTx(ctx, tx, ev); err != nil {
		return ev, nil, persistence("upsert evaluation", err)
	}
	dirty := []domain.PeriodKey{{PersonnelID: ev.PersonnelID, Month: ev.Month, Year: ev.Year}}
	if existed && (prev.Month != ev.Month || prev.Year != ev.Year) {
		dirty = append(dirty, domain.PeriodKey{PersonnelID: prev.PersonnelID, Month: prev.Month, Year: prev.Year})
	}
	now := e.timestamp()
	for _, k := range dirty {
		if err := e.Repo.EnqueueRecomputeTx(ctx, tx, k, now); err != nil {
			return ev, nil, persistence("enqueue recompute", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ev, nil, persistence("commit evaluation", err)
	}
	if existed {
		e.record(ctx, actorID, audit.ActionUpdate, "evaluation", ev.ID, prev, ev)
	} else {
		e.record(ctx, actorID, audit.ActionCreate, "evaluation", ev.ID, nil, ev)
	}
	return ev, dirty, nil
}

// recompute derives the StarScore for k from every current evaluation and
// replaces the stored row, deleting it when no evaluations remain.
func (e Engine) recompute(ctx context.Context, k domain.PeriodKey) error {
	unlock := e.locks.Lock(periodLockKey(k))
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return persistence("begin recompute", err)
	}
	defer tx.Rollback()

	totals, err := e.Repo.PeriodTotalsTx(ctx, tx, k)
	if err != nil {
		return persistence("load period totals", err)
	}
	mean, count := scoring.Mean(totals)
	if count == 0 {
		err = e.Repo.DeleteStarScoreTx(ctx, tx, k)
	} else {
		err = e.Repo.ReplaceStarScoreTx(ctx, tx, domain.StarScore{
			PersonnelID:     k.PersonnelID,
			Month:           k.Month,
			Year:            k.Year,
			TotalScore:      mean,
			EvaluationCount: count,
			ComputedAt:      e.timestamp(),
		})
	}
	if err != nil {
		return persistence("write star score", err)
	}
	if err := e.Repo.ClearRecomputeTx(ctx, tx, k); err != nil {
		return persistence("clear recompute marker", err)
	}
	if err := tx.Commit(); err != nil {
		return persistence("commit recompute", err)
	}
	return nil
}

func (e Engine) recomputeWithRetry(ctx context.Context, k domain.PeriodKey) error {
	var err error
	for attempt := 0; attempt <= e.RecomputeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*25) * time.Millisecond):
			}
		}
		if err = e.recompute(ctx, k); err == nil {
			return nil
		}
	}
	e.Log.Error("star score recompute failed, left queued", "personnel_id", k.PersonnelID, "month", k.Month, "year", k.Year, "error", err)
	if markErr := e.Repo.MarkRecomputeFailed(ctx, k, err.Error()); markErr != nil {
		e.Log.Error("mark recompute failed", "personnel_id", k.PersonnelID, "error", markErr)
	}
	return err
}

type ReconcileResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// ReconcileScores drains the recompute queue with bounded parallelism.
func (e Engine) ReconcileScores(ctx context.Context, limit int) (ReconcileResult, error) {
	pending, err := e.Repo.PendingRecomputes(ctx, limit)
	if err != nil {
		return ReconcileResult{}, persistence("list pending recomputes", err)
	}
	var processed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.ReconcileWorkers)
	for _, p := range pending {
		k := p.PeriodKey
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err := e.recomputeWithRetry(gctx, k); err != nil {
				failed.Add(1)
				return nil
			}
			processed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ReconcileResult{Processed: int(processed.Load()), Failed: int(failed.Load())}, err
	}
	res := ReconcileResult{Processed: int(processed.Load()), Failed: int(failed.Load())}
	if res.Processed > 0 || res.Failed > 0 {
		e.Log.Info("star scores reconciled", "processed", res.Processed, "failed", res.Failed)
	}
	return res, nil
}

// RecomputeAll rebuilds every StarScore of a period from its evaluations.
func (e Engine) RecomputeAll(ctx context.Context, month, year int) (int, error) {
	if month < 1 || month > 12 {
		return 0, invalid("month", "must be between 1 and 12")
	}
	if year < 1 {
		return 0, invalid("year", "must be >= 1")
	}
	keys, err := e.Repo.PeriodKeys(ctx, month, year)
	if err != nil {
		return 0, persistence("list period keys", err)
	}
	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.ReconcileWorkers)
	for _, k := range keys {
		g.Go(func() error {
			if err := e.recompute(gctx, k); err != nil {
				return err
			}
			done.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(done.Load()), err
}

func (e Engine) Evaluations(ctx context.Context, jobID string) ([]domain.Evaluation, error) {
	if _, err := e.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	evs, err := e.Repo.ListEvaluationsByJob(ctx, jobID)
	if err != nil {
		return nil, persistence("list evaluations", err)
	}
	return evs, nil
}

func (e Engine) StarScore(ctx context.Context, k domain.PeriodKey) (domain.StarScore, error) {
	s, err := e.Repo.GetStarScore(ctx, k)
	if errors.Is(err, repo.ErrNotFound) {
		return s, notFound("star score", periodLockKey(k))
	}
	if err != nil {
		return s, persistence("get star score", err)
	}
	return s, nil
}

func (e Engine) PendingRecomputes(ctx context.Context, limit int) ([]repo.PendingRecompute, error) {
	p, err := e.Repo.PendingRecomputes(ctx, limit)
	if err != nil {
		return nil, persistence("list pending recomputes", err)
	}
	return p, nil
}
