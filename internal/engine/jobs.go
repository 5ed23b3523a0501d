package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"jobflow/internal/audit"
	"jobflow/internal/domain"
	"jobflow/internal/repo"
)

// JobCreateOptions are parameters for creating a job.
type JobCreateOptions struct {
	ID            string         `json:"id,omitempty"`
	Code          string         `json:"code" validate:"required"`
	Status        string         `json:"status" validate:"required"`
	LocationKey   string         `json:"location_key,omitempty"`
	JobTypeKey    string         `json:"job_type_key,omitempty"`
	ResponsibleID string         `json:"responsible_id,omitempty"`
	ScheduledDate string         `json:"scheduled_date,omitempty"`
	CustomFields  map[string]any `json:"custom_fields,omitempty"`
	ActorID       string         `json:"actor_id" validate:"required"`
}

// CreateJob inserts a job in its initial status and writes the first
// history entry.
func (e Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (domain.Job, error) {
	if err := e.check(opts); err != nil {
		return domain.Job{}, err
	}
	st, ok := e.Rules.Snapshot().Status(opts.Status)
	if !ok {
		return domain.Job{}, notFound("status", opts.Status)
	}
	if !st.Active {
		return domain.Job{}, invalid("status", "is inactive")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.timestamp()
	job := domain.Job{
		ID:            id,
		Code:          strings.TrimSpace(opts.Code),
		StatusKey:     st.Key,
		Version:       1,
		LocationKey:   opts.LocationKey,
		JobTypeKey:    opts.JobTypeKey,
		ResponsibleID: opts.ResponsibleID,
		ScheduledDate: opts.ScheduledDate,
		CustomFields:  opts.CustomFields,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, persistence("begin create job", err)
	}
	defer tx.Rollback()

	if err := e.Repo.InsertJobTx(ctx, tx, job); err != nil {
		if isUniqueViolation(err) {
			return domain.Job{}, invalid("code", "already exists")
		}
		return domain.Job{}, persistence("insert job", err)
	}
	if _, err := e.Repo.InsertHistoryTx(ctx, tx, domain.StatusHistoryEntry{
		JobID:     job.ID,
		ToStatus:  job.StatusKey,
		ChangedBy: opts.ActorID,
		ChangedAt: now,
	}); err != nil {
		return domain.Job{}, persistence("insert history", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, persistence("commit create job", err)
	}
	e.record(ctx, opts.ActorID, audit.ActionCreate, "job", job.ID, nil, job)
	return job, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (e Engine) GetJob(ctx context.Context, id string) (domain.Job, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Job{}, invalid("job_id", "is required")
	}
	job, err := e.Repo.GetJob(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, notFound("job", id)
	}
	if err != nil {
		return domain.Job{}, persistence("get job", err)
	}
	return job, nil
}

func (e Engine) ListJobs(ctx context.Context, f repo.JobFilters) ([]domain.Job, error) {
	jobs, err := e.Repo.ListJobs(ctx, f)
	if err != nil {
		return nil, persistence("list jobs", err)
	}
	return jobs, nil
}

func (e Engine) JobHistory(ctx context.Context, jobID string) ([]domain.StatusHistoryEntry, error) {
	if _, err := e.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	h, err := e.Repo.ListHistory(ctx, jobID)
	if err != nil {
		return nil, persistence("list history", err)
	}
	return h, nil
}

type PartOptions struct {
	JobID    string `json:"job_id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Quantity int    `json:"quantity" validate:"gte=0"`
	ActorID  string `json:"actor_id" validate:"required"`
}

// AddJobPart records a part used on the job; parts satisfy requires_parts guards.
func (e Engine) AddJobPart(ctx context.Context, opts PartOptions) (domain.JobPart, error) {
	if err := e.check(opts); err != nil {
		return domain.JobPart{}, err
	}
	if _, err := e.GetJob(ctx, opts.JobID); err != nil {
		return domain.JobPart{}, err
	}
	if opts.Quantity == 0 {
		opts.Quantity = 1
	}
	part := domain.JobPart{
		ID:        uuid.NewString(),
		JobID:     opts.JobID,
		Name:      strings.TrimSpace(opts.Name),
		Quantity:  opts.Quantity,
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertPart(ctx, part); err != nil {
		return domain.JobPart{}, persistence("insert part", err)
	}
	e.record(ctx, opts.ActorID, audit.ActionCreate, "job_part", part.ID, nil, part)
	return part, nil
}

func (e Engine) ListParts(ctx context.Context, jobID string) ([]domain.JobPart, error) {
	if _, err := e.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	parts, err := e.Repo.ListParts(ctx, jobID)
	if err != nil {
		return nil, persistence("list parts", err)
	}
	return parts, nil
}

type PersonnelOptions struct {
	ID          string `json:"id" validate:"required"`
	DisplayName string `json:"display_name" validate:"required"`
	Inactive    bool   `json:"inactive,omitempty"`
	ActorID     string `json:"actor_id" validate:"required"`
}

func (e Engine) UpsertPersonnel(ctx context.Context, opts PersonnelOptions) (domain.Personnel, error) {
	if err := e.check(opts); err != nil {
		return domain.Personnel{}, err
	}
	p := domain.Personnel{ID: opts.ID, DisplayName: strings.TrimSpace(opts.DisplayName), Active: !opts.Inactive}
	prev, prevErr := e.Repo.GetPersonnel(ctx, p.ID)
	created, err := e.Repo.UpsertPersonnel(ctx, p, e.timestamp())
	if err != nil {
		return domain.Personnel{}, persistence("upsert personnel", err)
	}
	if created || prevErr != nil {
		e.record(ctx, opts.ActorID, audit.ActionCreate, "personnel", p.ID, nil, p)
	} else {
		e.record(ctx, opts.ActorID, audit.ActionUpdate, "personnel", p.ID, prev, p)
	}
	return p, nil
}

func (e Engine) ListPersonnel(ctx context.Context, activeOnly bool) ([]domain.Personnel, error) {
	ps, err := e.Repo.ListPersonnel(ctx, activeOnly)
	if err != nil {
		return nil, persistence("list personnel", err)
	}
	return ps, nil
}
