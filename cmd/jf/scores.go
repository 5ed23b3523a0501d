package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobflow/internal/app"
	"jobflow/internal/domain"
	"jobflow/internal/engine"
)

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "eval", Short: "Submit and list evaluations"}
	cmd.AddCommand(evalSubmitCmd())
	cmd.AddCommand(evalListCmd())
	return cmd
}

func evalSubmitCmd() *cobra.Command {
	var jobID, personnelID, evaluator string
	var month, year int
	var scores []string
	var total float64
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Score one person on a job",
		Example: `  jf eval submit --job J1 --personnel p1 --month 5 --year 2024 --score quality=5 --score satisfaction=4
  jf eval submit --job J1 --personnel p1 --month 5 --year 2024 --total 3.2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseScores(scores)
			if err != nil {
				return err
			}
			if evaluator == "" {
				evaluator = actorID()
			}
			entry := engine.EvaluationEntry{PersonnelID: personnelID, EvaluatorID: evaluator, Scores: parsed}
			if cmd.Flags().Changed("total") {
				entry.TotalScore = &total
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.SubmitEvaluations(ctx, engine.SubmitRequest{
					JobID: jobID, Month: month, Year: year, Entries: []engine.EvaluationEntry{entry}, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	now := time.Now()
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&personnelID, "personnel", "", "person being evaluated")
	cmd.Flags().StringVar(&evaluator, "evaluator", "", "evaluator id (defaults to --actor-id)")
	cmd.Flags().IntVar(&month, "month", int(now.Month()), "period month")
	cmd.Flags().IntVar(&year, "year", now.Year(), "period year")
	cmd.Flags().StringArrayVar(&scores, "score", nil, "criterion=score, repeatable")
	cmd.Flags().Float64Var(&total, "total", 0, "store this total instead of the weighted average")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("personnel")
	return cmd
}

func parseScores(in []string) (map[string]domain.CriterionScore, error) {
	out := map[string]domain.CriterionScore{}
	for _, kv := range in {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --score %q, want criterion=score", kv)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --score %q: %w", kv, err)
		}
		out[strings.TrimSpace(key)] = domain.CriterionScore{Score: f}
	}
	return out, nil
}

func evalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <job-id>",
		Short: "List a job's evaluations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				evs, err := a.Engine.Evaluations(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := newTable("Personnel", "Evaluator", "Total", "Mode", "Period")
				for _, ev := range evs {
					tw.AppendRow([]any{ev.PersonnelID, ev.EvaluatorID, ev.TotalScore, ev.ScoreMode, fmt.Sprintf("%04d-%02d", ev.Year, ev.Month)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func leaderboardCmd() *cobra.Command {
	var month, year int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Ranked StarScores for a month",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				board, err := a.Engine.Leaderboard(ctx, month, year)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(board)
				}
				tw := newTable("#", "Name", "Score", "Evaluations", "Stars")
				for _, e := range board.Entries {
					tw.AppendRow([]any{e.Rank, e.DisplayName, fmt.Sprintf("%.2f", e.TotalScore), e.EvaluationCount, renderStars(e.Stars)})
				}
				footer := table.Row{"", "mean", fmt.Sprintf("%.2f", board.Stats.MeanScore), board.Stats.Count, ""}
				tw.AppendFooter(footer)
				tw.Render()
				return nil
			})
		},
	}
	now := time.Now()
	cmd.Flags().IntVar(&month, "month", int(now.Month()), "month")
	cmd.Flags().IntVar(&year, "year", now.Year(), "year")
	return cmd
}

func renderStars(s domain.Stars) string {
	out := strings.Repeat("★", s.Filled)
	if s.Half {
		out += "½"
	}
	return out
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "score", Short: "Maintain StarScores"}
	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List periods waiting for a StarScore recompute",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				p, err := a.Engine.PendingRecomputes(ctx, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Recompute every queued StarScore",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.ReconcileScores(ctx, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	var month, year int
	recompute := &cobra.Command{
		Use:   "recompute",
		Short: "Rebuild every StarScore of a month from its evaluations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				n, err := a.Engine.RecomputeAll(ctx, month, year)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"recomputed": n})
			})
		},
	}
	now := time.Now()
	recompute.Flags().IntVar(&month, "month", int(now.Month()), "month")
	recompute.Flags().IntVar(&year, "year", now.Year(), "year")
	cmd.AddCommand(recompute)
	return cmd
}
