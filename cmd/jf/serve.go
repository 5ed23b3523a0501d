package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobflow/internal/app"
	"jobflow/internal/config"
	"jobflow/internal/engine"
	"jobflow/internal/observability"
	"jobflow/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rulesFile := viper.GetString("rules")
			schedule := viper.GetString("reconcile-schedule")
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("JOBFLOW_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if viper.GetBool("tracing") {
				shutdown, err := observability.Setup(ctx, observability.ServiceName)
				if err != nil {
					return fmt.Errorf("setup tracing: %w", err)
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdown(sctx); err != nil {
						log.Warn("tracer shutdown", "error", err)
					}
				}()
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.Background()); err != nil {
					log.Warn("close workspace", "error", err)
				}
			}()

			if rulesFile != "" {
				if err := importRulesFile(ctx, a, rulesFile); err != nil {
					return err
				}
				if viper.GetBool("watch-rules") {
					watchRulesFile(a, rulesFile)
				}
			}

			rec, err := engine.NewReconciler(a.Engine, schedule, log)
			if err != nil {
				return err
			}
			// drain anything left queued by a previous process before serving
			rec.RunOnce()
			rec.Start()
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := rec.Stop(sctx); err != nil {
					log.Warn("reconciler stop", "error", err)
				}
			}()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, DevLogin: devLogin},
				Log:      log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
			log.Info("serving jobflow API", "addr", addr, "base_path", basePath, "dev_login", devLogin)
			fmt.Printf("Serving jobflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (development only)")
	cmd.Flags().String("rules", "", "rules file imported at startup")
	cmd.Flags().Bool("watch-rules", false, "re-import --rules whenever the file changes")
	cmd.Flags().Bool("tracing", false, "export traces over OTLP/HTTP")
	cmd.Flags().String("reconcile-schedule", engine.DefaultReconcileSchedule, "cron schedule for draining the StarScore queue")
	for _, name := range []string{"rules", "watch-rules", "tracing", "reconcile-schedule"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func importRulesFile(ctx context.Context, a *app.Context, path string) error {
	cfg, err := config.FromFile(path)
	if err != nil {
		return err
	}
	stats, err := a.Engine.ImportRules(ctx, cfg, actorID())
	if err != nil {
		return err
	}
	log.Info("rules imported", "file", path, "statuses", stats.Statuses, "transitions", stats.Transitions, "criteria", stats.Criteria)
	return nil
}

func watchRulesFile(a *app.Context, path string) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		log.Warn("rules watch disabled", "file", path, "error", err)
		return
	}
	v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// a rejected file leaves the previous rules in place
		if err := importRulesFile(ctx, a, ev.Name); err != nil {
			log.Error("rules reload rejected", "file", ev.Name, "error", err)
		}
	})
	v.WatchConfig()
}
