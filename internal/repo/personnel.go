package repo

import (
	"context"
	"database/sql"

	"jobflow/internal/domain"
)

// UpsertPersonnel inserts or renames a person and reports whether the row is new.
func (r Repo) UpsertPersonnel(ctx context.Context, p domain.Personnel, now string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	created, err := r.UpsertPersonnelTx(ctx, tx, p, now)
	if err != nil {
		return false, err
	}
	return created, tx.Commit()
}

func (r Repo) UpsertPersonnelTx(ctx context.Context, tx *sql.Tx, p domain.Personnel, now string) (bool, error) {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM personnel WHERE id=?`, p.ID).Scan(&exists); err != nil {
		return false, err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO personnel(id,display_name,active,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name,active=excluded.active,updated_at=excluded.updated_at`,
		p.ID, p.DisplayName, boolInt(p.Active), now, now)
	return exists == 0, err
}

func (r Repo) GetPersonnel(ctx context.Context, id string) (domain.Personnel, error) {
	return getPersonnel(ctx, r.DB, id)
}

func (r Repo) GetPersonnelTx(ctx context.Context, tx *sql.Tx, id string) (domain.Personnel, error) {
	return getPersonnel(ctx, tx, id)
}

func getPersonnel(ctx context.Context, q querier, id string) (domain.Personnel, error) {
	var p domain.Personnel
	err := q.QueryRowContext(ctx, `SELECT id,display_name,active FROM personnel WHERE id=?`, id).Scan(&p.ID, &p.DisplayName, &p.Active)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPersonnel(ctx context.Context, activeOnly bool) ([]domain.Personnel, error) {
	query := `SELECT id,display_name,active FROM personnel`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY display_name, id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Personnel
	for rows.Next() {
		var p domain.Personnel
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Active); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
