package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobflow/internal/app"
	"jobflow/internal/engine"
	"jobflow/internal/repo"
)

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Create jobs and move them through the workflow"}
	cmd.AddCommand(jobCreateCmd())
	cmd.AddCommand(jobShowCmd())
	cmd.AddCommand(jobListCmd())
	cmd.AddCommand(jobTransitionsCmd())
	cmd.AddCommand(jobCommitCmd())
	cmd.AddCommand(jobHistoryCmd())
	cmd.AddCommand(jobAddPartCmd())
	return cmd
}

func jobCreateCmd() *cobra.Command {
	var opts engine.JobCreateOptions
	var custom string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job in its starting status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if custom != "" {
				if err := json.Unmarshal([]byte(custom), &opts.CustomFields); err != nil {
					return fmt.Errorf("--custom must be a JSON object: %w", err)
				}
			}
			opts.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				job, err := a.Engine.CreateJob(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "job id (generated when empty)")
	cmd.Flags().StringVar(&opts.Code, "code", "", "job code")
	cmd.Flags().StringVar(&opts.Status, "status", "APPOINTMENT", "starting status")
	cmd.Flags().StringVar(&opts.LocationKey, "location", "", "location key")
	cmd.Flags().StringVar(&opts.JobTypeKey, "type", "", "job type key")
	cmd.Flags().StringVar(&opts.ResponsibleID, "responsible", "", "responsible person id")
	cmd.Flags().StringVar(&opts.ScheduledDate, "scheduled", "", "scheduled date")
	cmd.Flags().StringVar(&custom, "custom", "", "custom fields as a JSON object")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				job, err := a.Engine.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func jobListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				jobs, err := a.Engine.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable("ID", "Code", "Status", "Version", "Completed")
				for _, j := range jobs {
					tw.AppendRow([]any{j.ID, j.Code, j.StatusKey, j.Version, deref(j.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func jobTransitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transitions <job-id>",
		Short: "List the statuses --role may move the job to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				views, err := a.Engine.LegalTransitions(ctx, args[0], role())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := newTable("To", "Label", "Note", "Parts")
				for _, v := range views {
					tw.AppendRow([]any{v.ToStatus.Key, v.ToStatus.Label, v.RequiresNote, v.RequiresParts})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func jobCommitCmd() *cobra.Command {
	var to, note string
	var expected int64
	cmd := &cobra.Command{
		Use:   "commit <job-id>",
		Short: "Move a job to another status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.CommitRequest{JobID: args[0], ToStatus: to, ActorID: actorID(), Role: role(), Note: note}
			if cmd.Flags().Changed("expected-version") {
				req.ExpectedVersion = &expected
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.CommitTransition(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&note, "note", "", "note for the history entry")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "fail unless the job is still at this version")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func jobHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <job-id>",
		Short: "Show a job's status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				h, err := a.Engine.JobHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(h)
				}
				tw := newTable("#", "From", "To", "By", "At", "Note")
				for _, e := range h {
					tw.AppendRow([]any{e.ID, deref(e.FromStatus), e.ToStatus, e.ChangedBy, e.ChangedAt, deref(e.Notes)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func jobAddPartCmd() *cobra.Command {
	var name string
	var qty int
	cmd := &cobra.Command{
		Use:   "add-part <job-id>",
		Short: "Record a part used on a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				part, err := a.Engine.AddJobPart(ctx, engine.PartOptions{JobID: args[0], Name: name, Quantity: qty, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(part)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "part name")
	cmd.Flags().IntVar(&qty, "qty", 1, "quantity")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
