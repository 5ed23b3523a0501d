package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"jobflow/internal/domain"
)

const evaluationColumns = `id,job_id,personnel_id,evaluator_id,scores_json,total_score,score_mode,period_month,period_year,created_at,updated_at`

func scanEvaluation(row rowScanner) (domain.Evaluation, error) {
	var e domain.Evaluation
	var scores string
	err := row.Scan(&e.ID, &e.JobID, &e.PersonnelID, &e.EvaluatorID, &scores, &e.TotalScore, &e.ScoreMode, &e.Month, &e.Year, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(scores), &e.Scores); err != nil {
		return e, fmt.Errorf("evaluation %s scores: %w", e.ID, err)
	}
	return e, nil
}

func (r Repo) GetEvaluationTx(ctx context.Context, tx *sql.Tx, jobID, personnelID string) (domain.Evaluation, error) {
	return scanEvaluation(tx.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE job_id=? AND personnel_id=?`, jobID, personnelID))
}

// UpsertEvaluationTx writes e keyed by (job_id, personnel_id). The original id
// and created_at survive an overwrite.
func (r Repo) UpsertEvaluationTx(ctx context.Context, tx *sql.Tx, e domain.Evaluation) error {
	scores, err := marshalJSON(e.Scores)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO evaluations(`+evaluationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(job_id,personnel_id) DO UPDATE SET evaluator_id=excluded.evaluator_id,scores_json=excluded.scores_json,total_score=excluded.total_score,score_mode=excluded.score_mode,period_month=excluded.period_month,period_year=excluded.period_year,updated_at=excluded.updated_at`,
		e.ID, e.JobID, e.PersonnelID, e.EvaluatorID, scores, e.TotalScore, e.ScoreMode, e.Month, e.Year, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) ListEvaluationsByJob(ctx context.Context, jobID string) ([]domain.Evaluation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE job_id=? ORDER BY personnel_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// PeriodTotalsTx returns every evaluation total for one person and period.
func (r Repo) PeriodTotalsTx(ctx context.Context, tx *sql.Tx, k domain.PeriodKey) ([]float64, error) {
	return periodTotals(ctx, tx, k)
}

func periodTotals(ctx context.Context, q querier, k domain.PeriodKey) ([]float64, error) {
	rows, err := q.QueryContext(ctx, `SELECT total_score FROM evaluations WHERE personnel_id=? AND period_month=? AND period_year=? ORDER BY total_score, job_id`, k.PersonnelID, k.Month, k.Year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) ReplaceStarScoreTx(ctx context.Context, tx *sql.Tx, s domain.StarScore) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO star_scores(personnel_id,month,year,total_score,evaluation_count,computed_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(personnel_id,year,month) DO UPDATE SET total_score=excluded.total_score,evaluation_count=excluded.evaluation_count,computed_at=excluded.computed_at`,
		s.PersonnelID, s.Month, s.Year, s.TotalScore, s.EvaluationCount, s.ComputedAt)
	return err
}

func (r Repo) DeleteStarScoreTx(ctx context.Context, tx *sql.Tx, k domain.PeriodKey) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM star_scores WHERE personnel_id=? AND month=? AND year=?`, k.PersonnelID, k.Month, k.Year)
	return err
}

func (r Repo) GetStarScore(ctx context.Context, k domain.PeriodKey) (domain.StarScore, error) {
	var s domain.StarScore
	err := r.DB.QueryRowContext(ctx, `SELECT personnel_id,month,year,total_score,evaluation_count,computed_at FROM star_scores WHERE personnel_id=? AND month=? AND year=?`,
		k.PersonnelID, k.Month, k.Year).Scan(&s.PersonnelID, &s.Month, &s.Year, &s.TotalScore, &s.EvaluationCount, &s.ComputedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// RankedStarScore is a StarScore joined with the person's display name.
type RankedStarScore struct {
	domain.StarScore
	DisplayName string
}

func (r Repo) StarScoresForPeriod(ctx context.Context, month, year int) ([]RankedStarScore, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT s.personnel_id,s.month,s.year,s.total_score,s.evaluation_count,s.computed_at,COALESCE(p.display_name, s.personnel_id)
FROM star_scores s LEFT JOIN personnel p ON p.id = s.personnel_id
WHERE s.month=? AND s.year=? ORDER BY s.personnel_id`, month, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RankedStarScore
	for rows.Next() {
		var s RankedStarScore
		if err := rows.Scan(&s.PersonnelID, &s.Month, &s.Year, &s.TotalScore, &s.EvaluationCount, &s.ComputedAt, &s.DisplayName); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// PeriodKeys lists every person with an evaluation or a star score in the
// period.
func (r Repo) PeriodKeys(ctx context.Context, month, year int) ([]domain.PeriodKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT personnel_id FROM evaluations WHERE period_month=? AND period_year=?
UNION SELECT personnel_id FROM star_scores WHERE month=? AND year=? ORDER BY 1`, month, year, month, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PeriodKey
	for rows.Next() {
		k := domain.PeriodKey{Month: month, Year: year}
		if err := rows.Scan(&k.PersonnelID); err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (r Repo) EnqueueRecomputeTx(ctx context.Context, tx *sql.Tx, k domain.PeriodKey, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO score_recompute_queue(personnel_id,month,year,enqueued_at,attempts) VALUES (?,?,?,?,0)
ON CONFLICT(personnel_id,year,month) DO UPDATE SET enqueued_at=excluded.enqueued_at`,
		k.PersonnelID, k.Month, k.Year, now)
	return err
}

func (r Repo) ClearRecomputeTx(ctx context.Context, tx *sql.Tx, k domain.PeriodKey) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM score_recompute_queue WHERE personnel_id=? AND month=? AND year=?`, k.PersonnelID, k.Month, k.Year)
	return err
}

func (r Repo) MarkRecomputeFailed(ctx context.Context, k domain.PeriodKey, reason string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE score_recompute_queue SET attempts=attempts+1, last_error=? WHERE personnel_id=? AND month=? AND year=?`,
		reason, k.PersonnelID, k.Month, k.Year)
	return err
}

// PendingRecompute is a queued period with its retry bookkeeping.
type PendingRecompute struct {
	domain.PeriodKey
	EnqueuedAt string  `json:"enqueued_at"`
	Attempts   int     `json:"attempts"`
	LastError  *string `json:"last_error,omitempty"`
}

func (r Repo) PendingRecomputes(ctx context.Context, limit int) ([]PendingRecompute, error) {
	query := `SELECT personnel_id,month,year,enqueued_at,attempts,last_error FROM score_recompute_queue ORDER BY enqueued_at, personnel_id`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PendingRecompute
	for rows.Next() {
		var p PendingRecompute
		var lastErr sql.NullString
		if err := rows.Scan(&p.PersonnelID, &p.Month, &p.Year, &p.EnqueuedAt, &p.Attempts, &lastErr); err != nil {
			return nil, err
		}
		p.LastError = stringPtr(lastErr)
		res = append(res, p)
	}
	return res, rows.Err()
}
