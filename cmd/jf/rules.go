package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobflow/internal/app"
	"jobflow/internal/config"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Manage statuses, transitions and criteria"}
	cmd.AddCommand(rulesInitCmd())
	cmd.AddCommand(rulesValidateCmd())
	cmd.AddCommand(rulesImportCmd())
	cmd.AddCommand(rulesShowCmd())
	return cmd
}

func rulesInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the built-in rule set to jobflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func rulesValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a rules file without importing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRulesFile(file)
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d statuses, %d transitions, %d criteria\n", len(cfg.Statuses), len(cfg.Transitions), len(cfg.Criteria))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "rules file (defaults to <workspace>/jobflow.yml)")
	return cmd
}

func rulesImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a rules file; statuses, transitions and criteria it omits are deactivated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRulesFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				stats, err := a.Engine.ImportRules(ctx, cfg, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "rules file (defaults to <workspace>/jobflow.yml)")
	return cmd
}

func rulesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active rule set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				statuses := a.Engine.Statuses()
				criteria := a.Engine.Criteria()
				transitions, err := a.Engine.Repo.ListTransitions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"statuses": statuses, "transitions": transitions, "criteria": criteria})
				}
				tw := newTable("Status", "Label", "Sort", "Active")
				for _, s := range statuses {
					tw.AppendRow([]any{s.Key, s.Label, s.SortOrder, s.Active})
				}
				tw.Render()
				tw = newTable("From", "To", "Roles", "Note", "Parts", "Auto actions", "Active")
				for _, t := range transitions {
					tw.AppendRow([]any{t.FromStatus, t.ToStatus, strings.Join(t.AllowedRoles, ","), t.RequiresNote, t.RequiresParts, strings.Join(t.AutoActions, ","), t.Active})
				}
				tw.Render()
				tw = newTable("Criterion", "Label", "Max", "Weight", "Active")
				for _, c := range criteria {
					tw.AppendRow([]any{c.Key, c.Label, c.MaxScore, c.Weight, c.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func loadRulesFile(file string) (*config.Config, error) {
	if file == "" {
		return config.Load(viper.GetString("workspace"))
	}
	return config.FromFile(file)
}
