package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	"jobflow/internal/audit"
	"jobflow/internal/config"
	"jobflow/internal/domain"
	"jobflow/internal/logger"
	"jobflow/internal/observability"
	"jobflow/internal/repo"
	"jobflow/internal/rules"
)

const (
	DefaultCommitRetries    = 3
	DefaultRecomputeRetries = 2
	DefaultReconcileWorkers = 4
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Rules  *rules.Registry
	Audit  audit.Recorder
	Log    *logger.Logger
	Tracer trace.Tracer
	Now    func() time.Time

	CommitRetries    int
	RecomputeRetries int
	ReconcileWorkers int

	locks    *keyedMutex
	validate *validator.Validate
	// beforeApply runs between guard evaluation and the conditional update.
	beforeApply func(job domain.Job)
	// afterCommit runs between the status commit and its auto actions.
	afterCommit func(jobID string)
}

// Options tune an Engine. Zero values pick the defaults.
type Options struct {
	Audit            audit.Recorder  `validate:"-"`
	Log              *logger.Logger  `validate:"-"`
	Tracer           trace.Tracer    `validate:"-"`
	Rules            *rules.Registry `validate:"-"`
	CommitRetries    int             `validate:"gte=0,lte=10"`
	RecomputeRetries int             `validate:"gte=0,lte=10"`
	ReconcileWorkers int             `validate:"gte=0,lte=64"`
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, domain.AuditEntry) {}

func New(db *sql.DB, opts Options) (Engine, error) {
	v := newValidator()
	if err := validateStruct(v, opts); err != nil {
		return Engine{}, err
	}
	e := Engine{
		DB:               db,
		Repo:             repo.Repo{DB: db},
		Rules:            opts.Rules,
		Audit:            opts.Audit,
		Log:              opts.Log,
		Tracer:           opts.Tracer,
		Now:              time.Now,
		CommitRetries:    opts.CommitRetries,
		RecomputeRetries: opts.RecomputeRetries,
		ReconcileWorkers: opts.ReconcileWorkers,
		locks:            newKeyedMutex(),
		validate:         v,
	}
	if e.Rules == nil {
		e.Rules = rules.NewRegistry(nil)
	}
	if e.Audit == nil {
		e.Audit = nopRecorder{}
	}
	if e.Log == nil {
		e.Log = logger.Nop()
	}
	if e.Tracer == nil {
		e.Tracer = observability.Tracer()
	}
	if e.CommitRetries == 0 {
		e.CommitRetries = DefaultCommitRetries
	}
	if e.RecomputeRetries == 0 {
		e.RecomputeRetries = DefaultRecomputeRetries
	}
	if e.ReconcileWorkers == 0 {
		e.ReconcileWorkers = DefaultReconcileWorkers
	}
	return e, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return observability.Tracer()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// validateStruct reports the first failed field as a ValidationError.
func validateStruct(v *validator.Validate, s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Reason: describeTag(fe)}
	}
	return &ValidationError{Reason: err.Error()}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " item(s)"
	default:
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}

func (e Engine) check(s any) error {
	v := e.validate
	if v == nil {
		v = newValidator()
	}
	return validateStruct(v, s)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (e Engine) record(ctx context.Context, actorID, action, entity, entityID string, oldValue, newValue any) {
	e.Audit.Record(ctx, domain.AuditEntry{
		ActorID:  strPtr(actorID),
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		OldValue: oldValue,
		NewValue: newValue,
	})
}

// ReloadRules rebuilds the in-memory rule snapshot from the database.
func (e Engine) ReloadRules(ctx context.Context) error {
	rs, err := e.Repo.LoadRules(ctx)
	if err != nil {
		return persistence("load rules", err)
	}
	e.Rules.Swap(rules.NewSnapshot(rs.Statuses, rs.Transitions, rs.Criteria))
	e.Log.Info("rules reloaded", "statuses", len(rs.Statuses), "transitions", len(rs.Transitions), "criteria", len(rs.Criteria))
	return nil
}

// ImportRules persists cfg, deactivating omitted rows, then reloads.
func (e Engine) ImportRules(ctx context.Context, cfg *config.Config, actorID string) (repo.ImportStats, error) {
	if cfg == nil {
		return repo.ImportStats{}, invalid("rules", "is required")
	}
	if err := cfg.Validate(); err != nil {
		return repo.ImportStats{}, &ValidationError{Field: "rules", Reason: err.Error()}
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return repo.ImportStats{}, persistence("begin import", err)
	}
	defer tx.Rollback()

	stats, err := e.Repo.ImportRulesTx(ctx, tx, repo.RuleSet{
		Statuses:    cfg.DomainStatuses(),
		Transitions: cfg.DomainTransitions(),
		Criteria:    cfg.DomainCriteria(),
	}, now)
	if err != nil {
		return stats, persistence("import rules", err)
	}
	for _, p := range cfg.Personnel {
		if _, err := e.Repo.UpsertPersonnelTx(ctx, tx, domain.Personnel{ID: p.ID, DisplayName: p.Name, Active: true}, now); err != nil {
			return stats, persistence("import personnel", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return stats, persistence("commit import", err)
	}
	e.record(ctx, actorID, audit.ActionImport, "rules", "rules", nil, stats)
	return stats, e.ReloadRules(ctx)
}

// EnsureRules imports the default rule set when none was ever imported, then
// loads the snapshot.
func (e Engine) EnsureRules(ctx context.Context, actorID string) error {
	n, err := e.Repo.CountStatuses(ctx)
	if err != nil {
		return persistence("count statuses", err)
	}
	if n == 0 {
		_, err := e.ImportRules(ctx, config.Default(), actorID)
		return err
	}
	return e.ReloadRules(ctx)
}

func (e Engine) Statuses() []domain.Status {
	return e.Rules.Snapshot().Statuses()
}

func (e Engine) Criteria() []domain.Criterion {
	return e.Rules.Snapshot().Criteria()
}

func (e Engine) ListAudit(ctx context.Context, f repo.AuditFilters) ([]domain.AuditEntry, error) {
	entries, err := e.Repo.ListAudit(ctx, f)
	if err != nil {
		return nil, persistence("list audit", err)
	}
	return entries, nil
}
