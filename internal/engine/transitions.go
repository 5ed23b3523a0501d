package engine

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobflow/internal/audit"
	"jobflow/internal/domain"
	"jobflow/internal/observability"
	"jobflow/internal/repo"
)

// LegalTransitions lists the moves role may make from the job's current status.
func (e Engine) LegalTransitions(ctx context.Context, jobID, role string) ([]domain.TransitionView, error) {
	if strings.TrimSpace(role) == "" {
		return nil, invalid("role", "is required")
	}
	job, err := e.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return e.Rules.Snapshot().Legal(job.StatusKey, role), nil
}

// CommitRequest asks to move a job to ToStatus. ExpectedVersion pins the
// version the caller based its decision on.
type CommitRequest struct {
	JobID           string `json:"job_id" validate:"required"`
	ToStatus        string `json:"to_status" validate:"required"`
	ActorID         string `json:"actor_id" validate:"required"`
	Role            string `json:"role" validate:"required"`
	Note            string `json:"note,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type CommitResult struct {
	JobID        string   `json:"job_id"`
	FromStatus   string   `json:"from_status"`
	NewStatusKey string   `json:"new_status_key"`
	Version      int64    `json:"version"`
	HistoryID    int64    `json:"history_id"`
	AutoActions  []string `json:"auto_actions,omitempty"`
}

// CommitTransition validates and applies one status change atomically: the
// conditional status update and its history row commit together or not at
// all. A lost race on an unchanged status is retried; a race that changed
// the status surfaces ErrConcurrencyConflict.
func (e Engine) CommitTransition(ctx context.Context, req CommitRequest) (CommitResult, error) {
	ctx, span := observability.StartSpan(ctx, e.tracer(), "engine.CommitTransition",
		attribute.String(observability.JobIDKey, req.JobID),
		attribute.String(observability.ToStatusKey, req.ToStatus),
		attribute.String(observability.RoleKey, req.Role),
	)
	defer span.End()

	if err := e.check(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return CommitResult{}, err
	}
	retries := e.CommitRetries
	if req.ExpectedVersion != nil {
		retries = 0
	}
	var (
		res   CommitResult
		edge  domain.Transition
		prior domain.Job
		err   error
	)
	for attempt := 0; ; attempt++ {
		var retry bool
		res, edge, prior, retry, err = e.commitOnce(ctx, req)
		if err == nil {
			break
		}
		if !retry || attempt >= retries {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return CommitResult{}, err
		}
		span.AddEvent("retry", trace.WithAttributes(attribute.Int(observability.AttemptKey, attempt+1)))
		e.Log.Debug("commit lost race on unchanged status, retrying", "job_id", req.JobID, "attempt", attempt+1)
	}
	span.SetAttributes(attribute.String(observability.FromStatusKey, res.FromStatus))

	// The transition is committed; nothing below may undo it, even if the
	// caller has gone away.
	post := context.WithoutCancel(ctx)
	if e.afterCommit != nil {
		e.afterCommit(req.JobID)
	}
	res.AutoActions = e.applyAutoActions(post, req.JobID, res.Version, edge.AutoActions)
	e.record(post, req.ActorID, audit.ActionStatusChange, "job", req.JobID,
		map[string]any{"status_key": prior.StatusKey, "version": prior.Version},
		map[string]any{"status_key": res.NewStatusKey, "version": res.Version, "note": req.Note, "role": req.Role, "auto_actions": res.AutoActions},
	)
	return res, nil
}

// commitOnce runs one read-validate-write cycle. retry reports whether a
// conflict is transient.
func (e Engine) commitOnce(ctx context.Context, req CommitRequest) (CommitResult, domain.Transition, domain.Job, bool, error) {
	job, err := e.GetJob(ctx, req.JobID)
	if err != nil {
		return CommitResult{}, domain.Transition{}, job, false, err
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != job.Version {
		return CommitResult{}, domain.Transition{}, job, false, ErrConcurrencyConflict
	}
	edge, ok := e.Rules.Snapshot().Match(job.StatusKey, req.ToStatus, req.Role)
	if !ok {
		return CommitResult{}, edge, job, false, &GuardViolation{Reason: ReasonNoSuchTransition, From: job.StatusKey, To: req.ToStatus, Role: req.Role}
	}
	if edge.RequiresNote && strings.TrimSpace(req.Note) == "" {
		return CommitResult{}, edge, job, false, &GuardViolation{Reason: ReasonNoteRequired, From: job.StatusKey, To: req.ToStatus, Role: req.Role}
	}
	if e.beforeApply != nil {
		e.beforeApply(job)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, edge, job, false, persistence("begin commit", err)
	}
	defer tx.Rollback()

	if edge.RequiresParts {
		n, err := e.Repo.CountPartsTx(ctx, tx, job.ID)
		if err != nil {
			return CommitResult{}, edge, job, false, persistence("count parts", err)
		}
		if n == 0 {
			return CommitResult{}, edge, job, false, &GuardViolation{Reason: ReasonPartsRequired, From: job.StatusKey, To: req.ToStatus, Role: req.Role}
		}
	}
	now := e.timestamp()
	version, err := e.Repo.UpdateJobStatusTx(ctx, tx, job.ID, job.Version, req.ToStatus, now)
	if errors.Is(err, repo.ErrStaleVersion) {
		_ = tx.Rollback()
		return CommitResult{}, edge, job, e.transientConflict(ctx, job, req), ErrConcurrencyConflict
	}
	if err != nil {
		return CommitResult{}, edge, job, false, persistence("update job status", err)
	}
	from := job.StatusKey
	historyID, err := e.Repo.InsertHistoryTx(ctx, tx, domain.StatusHistoryEntry{
		JobID:      job.ID,
		FromStatus: &from,
		ToStatus:   req.ToStatus,
		ChangedBy:  req.ActorID,
		ChangedAt:  now,
		Notes:      strPtr(strings.TrimSpace(req.Note)),
	})
	if err != nil {
		return CommitResult{}, edge, job, false, persistence("insert history", err)
	}
	if err := tx.Commit(); err != nil {
		return CommitResult{}, edge, job, false, persistence("commit transition", err)
	}
	return CommitResult{
		JobID:        job.ID,
		FromStatus:   from,
		NewStatusKey: req.ToStatus,
		Version:      version,
		HistoryID:    historyID,
	}, edge, job, false, nil
}

// transientConflict reports whether only the version moved under us.
func (e Engine) transientConflict(ctx context.Context, seen domain.Job, req CommitRequest) bool {
	if req.ExpectedVersion != nil {
		return false
	}
	current, err := e.Repo.GetJob(ctx, seen.ID)
	if err != nil {
		return false
	}
	return current.StatusKey == seen.StatusKey
}

// applyAutoActions runs the edge's side effects in order after commit.
// Failures are logged, never rolled back. An action is skipped once the job
// has moved past version.
func (e Engine) applyAutoActions(ctx context.Context, jobID string, version int64, actions []string) []string {
	var applied []string
	for _, action := range actions {
		var err error
		switch action {
		case domain.ActionSetCompletedAt:
			now := e.timestamp()
			err = e.Repo.SetCompletedAt(ctx, jobID, version, &now, now)
		case domain.ActionClearCompletedAt:
			err = e.Repo.SetCompletedAt(ctx, jobID, version, nil, e.timestamp())
		default:
			e.Log.Warn("unknown auto action skipped", "job_id", jobID, "action", action)
			continue
		}
		if errors.Is(err, repo.ErrStaleVersion) {
			e.Log.Warn("auto action skipped, job moved on", "job_id", jobID, "action", action, "version", version)
			continue
		}
		if err != nil {
			e.Log.Error("auto action failed", "job_id", jobID, "action", action, "error", err)
			continue
		}
		applied = append(applied, action)
	}
	return applied
}
