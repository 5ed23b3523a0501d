package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobflow/internal/app"
	"jobflow/internal/engine"
	"jobflow/internal/repo"
	"jobflow/internal/server"
)

func personnelCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "personnel", Short: "Manage the people who can be evaluated"}

	var opts engine.PersonnelOptions
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or update a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				p, err := a.Engine.UpsertPersonnel(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	add.Flags().StringVar(&opts.DisplayName, "name", "", "display name")
	add.Flags().BoolVar(&opts.Inactive, "inactive", false, "mark the person inactive")
	_ = add.MarkFlagRequired("name")

	var activeOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List people",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				ps, err := a.Engine.ListPersonnel(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ps)
				}
				tw := newTable("ID", "Name", "Active")
				for _, p := range ps {
					tw.AppendRow([]any{p.ID, p.DisplayName, p.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&activeOnly, "active", false, "only active people")

	cmd.AddCommand(add, list)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	var n int
	var f repo.AuditFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				// drain whatever this process queued before reading
				if err := a.Trail.Flush(ctx); err != nil {
					return err
				}
				entries, err := a.Engine.ListAudit(ctx, f)
				if err != nil {
					return err
				}
				if n > 0 && len(entries) > n {
					entries = entries[len(entries)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("#", "At", "Actor", "Action", "Entity", "ID")
				for _, e := range entries {
					tw.AppendRow([]any{e.ID, e.TS, deref(e.ActorID), e.Action, e.Entity, e.EntityID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of entries")
	tail.Flags().StringVar(&f.Entity, "entity", "", "entity filter (job, evaluation, rules, ...)")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	tail.Flags().StringVar(&f.Action, "action", "", "action filter (CREATE, UPDATE, DELETE, STATUS_CHANGE, IMPORT)")
	tail.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	cmd.AddCommand(tail)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for machine clients"}

	var opts engine.APIKeyOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CreatedBy = actorID()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				key, plain, err := a.Engine.CreateAPIKey(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "api_key": plain})
				}
				fmt.Printf("id:      %s\nactor:   %s\nrole:    %s\napi key: %s\n", key.ID, key.ActorID, key.Role, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&opts.ActorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&opts.Role, "key-role", "", "role granted to the key")
	create.Flags().StringVar(&opts.Name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")
	_ = create.MarkFlagRequired("key-role")

	var actor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				keys, err := a.Engine.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Role", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow([]any{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "only keys for this actor")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.RevokeAPIKey(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with JOBFLOW_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = actorID()
			}
			if len(roles) == 0 {
				roles = []string{role()}
			}
			tok, err := server.SignToken(viper.GetString("jwt-secret"), actor, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "subject (defaults to --actor-id)")
	cmd.Flags().StringArrayVar(&roles, "grant", nil, "role to grant, repeatable (defaults to --role)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
