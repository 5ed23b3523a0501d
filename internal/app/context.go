package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"jobflow/internal/audit"
	"jobflow/internal/db"
	"jobflow/internal/engine"
	"jobflow/internal/logger"
	"jobflow/internal/migrate"
)

// Options locate the workspace and tune the runtime.
type Options struct {
	Workspace     string
	DBPath        string
	ActorID       string
	AuditBuffer   int
	CommitRetries int
	Log           *logger.Logger
}

// Context bundles the process-wide dependencies a command needs.
type Context struct {
	DB     *sql.DB
	Engine engine.Engine
	Trail  *audit.Trail
	Log    *logger.Logger
}

// Open prepares the database, loads the rule set (seeding the built-in one
// on a fresh workspace) and returns a ready engine.
func Open(ctx context.Context, opts Options) (*Context, error) {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	trail := audit.NewTrail(audit.Writer{DB: conn}, log, audit.WithBuffer(opts.AuditBuffer))
	eng, err := engine.New(conn, engine.Options{
		Audit:         trail,
		Log:           log.With("component", "engine"),
		CommitRetries: opts.CommitRetries,
	})
	if err != nil {
		_ = trail.Close(ctx)
		conn.Close()
		return nil, err
	}
	actor := opts.ActorID
	if actor == "" {
		actor = "local-user"
	}
	if err := eng.EnsureRules(ctx, actor); err != nil {
		_ = trail.Close(ctx)
		conn.Close()
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return &Context{DB: conn, Engine: eng, Trail: trail, Log: log}, nil
}

// Close drains pending audit entries before closing the database.
func (c *Context) Close(ctx context.Context) error {
	trailErr := c.Trail.Close(ctx)
	if n := c.Trail.Dropped(); n > 0 {
		c.Log.Warn("audit entries dropped", "count", n)
	}
	return errors.Join(trailErr, c.DB.Close())
}
