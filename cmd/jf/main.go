package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobflow/internal/app"
	"jobflow/internal/audit"
	"jobflow/internal/db"
	"jobflow/internal/logger"
)

var log = logger.Nop()

var rootCmd = &cobra.Command{
	Use:   "jf",
	Short: "jobflow CLI",
	Long: `jobflow runs service jobs through a configurable status workflow and turns
per-job evaluations into monthly StarScores.
- Rules: statuses, role-gated transitions and scoring criteria live in jobflow.yml and are imported into the database.
- Jobs: move between statuses only along legal transitions; every move is written to the job's history.
- Evaluations: each person on a job is scored per criterion; the monthly StarScore is the mean of their job totals.
- Leaderboard: StarScores for a month, ranked, with stars.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logger.New(viper.GetString("log-mode"))
		if err != nil {
			return err
		}
		log = l
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("JOBFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.String("db", "", "database path (defaults to <workspace>/.jobflow/jobflow.db)")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-user", "actor identifier")
	pf.String("role", "ADMIN", "role to act under")
	pf.String("log-mode", "dev", "log format: dev or prod")
	pf.Int("commit-retries", 0, "retries for a transition that lost a race on an unchanged status")
	pf.Int("audit-buffer", 0, "audit queue capacity")
	for _, name := range []string{"workspace", "db", "json", "actor-id", "role", "log-mode", "commit-retries", "audit-buffer"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(evalCmd())
	rootCmd.AddCommand(leaderboardCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(personnelCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func openApp(ctx context.Context) (*app.Context, error) {
	return app.Open(ctx, app.Options{
		Workspace:     viper.GetString("workspace"),
		DBPath:        viper.GetString("db"),
		ActorID:       actorID(),
		AuditBuffer:   viper.GetInt("audit-buffer"),
		CommitRetries: viper.GetInt("commit-retries"),
		Log:           log,
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Warn("close workspace", "error", err)
		}
	}()
	ctx = audit.WithOrigin(ctx, map[string]any{"transport": "cli", "command": os.Args[1:]})
	return fn(ctx, a)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func role() string {
	return viper.GetString("role")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
