package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"jobflow/internal/domain"
)

const jobColumns = `id,code,status_key,version,location_key,job_type_key,responsible_id,scheduled_date,completed_at,custom_fields_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var location, jobType, responsible, scheduled, completedAt, custom sql.NullString
	err := row.Scan(&j.ID, &j.Code, &j.StatusKey, &j.Version, &location, &jobType, &responsible, &scheduled, &completedAt, &custom, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.LocationKey = location.String
	j.JobTypeKey = jobType.String
	j.ResponsibleID = responsible.String
	j.ScheduledDate = scheduled.String
	j.CompletedAt = stringPtr(completedAt)
	if custom.Valid && custom.String != "" {
		if err := json.Unmarshal([]byte(custom.String), &j.CustomFields); err != nil {
			return j, fmt.Errorf("job %s custom fields: %w", j.ID, err)
		}
	}
	return j, nil
}

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	var custom any
	if len(j.CustomFields) > 0 {
		data, err := marshalJSON(j.CustomFields)
		if err != nil {
			return err
		}
		custom = data
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Code, j.StatusKey, j.Version, nullable(j.LocationKey), nullable(j.JobTypeKey), nullable(j.ResponsibleID),
		nullable(j.ScheduledDate), nullableStringPtr(j.CompletedAt), custom, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

type JobFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status_key=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// UpdateJobStatusTx moves the job to status only if its version still equals
// version. It returns the new version or ErrStaleVersion.
func (r Repo) UpdateJobStatusTx(ctx context.Context, tx *sql.Tx, id string, version int64, status, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status_key=?, version=version+1, updated_at=? WHERE id=? AND version=?`, status, now, id, version)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrStaleVersion
	}
	return version + 1, nil
}

// SetCompletedAt writes completed_at without touching the version; a nil
// value clears it. The write only lands while the job is still at version.
func (r Repo) SetCompletedAt(ctx context.Context, id string, version int64, completedAt *string, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET completed_at=?, updated_at=? WHERE id=? AND version=?`, nullableStringPtr(completedAt), now, id, version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrStaleVersion
}

func (r Repo) InsertHistoryTx(ctx context.Context, tx *sql.Tx, h domain.StatusHistoryEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO status_history(job_id,from_status,to_status,changed_by,changed_at,notes) VALUES (?,?,?,?,?,?)`,
		h.JobID, nullableStringPtr(h.FromStatus), h.ToStatus, h.ChangedBy, h.ChangedAt, nullableStringPtr(h.Notes))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListHistory(ctx context.Context, jobID string) ([]domain.StatusHistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,job_id,from_status,to_status,changed_by,changed_at,notes FROM status_history WHERE job_id=? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusHistoryEntry
	for rows.Next() {
		var h domain.StatusHistoryEntry
		var from, notes sql.NullString
		if err := rows.Scan(&h.ID, &h.JobID, &from, &h.ToStatus, &h.ChangedBy, &h.ChangedAt, &notes); err != nil {
			return nil, err
		}
		h.FromStatus = stringPtr(from)
		h.Notes = stringPtr(notes)
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) InsertPart(ctx context.Context, p domain.JobPart) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO job_parts(id,job_id,name,quantity,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.JobID, p.Name, p.Quantity, p.CreatedAt)
	return err
}

func (r Repo) CountPartsTx(ctx context.Context, tx *sql.Tx, jobID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_parts WHERE job_id=?`, jobID).Scan(&n)
	return n, err
}

func (r Repo) ListParts(ctx context.Context, jobID string) ([]domain.JobPart, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,job_id,name,quantity,created_at FROM job_parts WHERE job_id=? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobPart
	for rows.Next() {
		var p domain.JobPart
		if err := rows.Scan(&p.ID, &p.JobID, &p.Name, &p.Quantity, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
