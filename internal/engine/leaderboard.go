package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"jobflow/internal/domain"
	"jobflow/internal/observability"
	"jobflow/internal/scoring"
)

// Leaderboard ranks the period's StarScores and renders stars and stats.
func (e Engine) Leaderboard(ctx context.Context, month, year int) (domain.Leaderboard, error) {
	ctx, span := observability.StartSpan(ctx, e.tracer(), "engine.Leaderboard",
		attribute.String(observability.PeriodKey, fmt.Sprintf("%04d-%02d", year, month)))
	defer span.End()

	if month < 1 || month > 12 {
		return domain.Leaderboard{}, invalid("month", "must be between 1 and 12")
	}
	if year < 1 {
		return domain.Leaderboard{}, invalid("year", "must be >= 1")
	}
	rows, err := e.Repo.StarScoresForPeriod(ctx, month, year)
	if err != nil {
		return domain.Leaderboard{}, persistence("load star scores", err)
	}
	candidates := make([]scoring.Candidate, 0, len(rows))
	for _, r := range rows {
		candidates = append(candidates, scoring.Candidate{
			PersonnelID:     r.PersonnelID,
			DisplayName:     r.DisplayName,
			TotalScore:      r.TotalScore,
			EvaluationCount: r.EvaluationCount,
		})
	}
	entries := scoring.Rank(candidates)
	return domain.Leaderboard{
		Month:   month,
		Year:    year,
		Entries: entries,
		Stats:   scoring.Stats(entries),
	}, nil
}
