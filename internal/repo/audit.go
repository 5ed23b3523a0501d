package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"jobflow/internal/domain"
)

type AuditFilters struct {
	Entity   string
	EntityID string
	Action   string
	ActorID  string
	AfterID  int64
	Limit    int
}

// ListAudit returns entries oldest first.
func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	var clauses []string
	var args []any
	if f.Entity != "" {
		clauses = append(clauses, "entity=?")
		args = append(args, f.Entity)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,ts,actor_id,action,entity,entity_id,old_value_json,new_value_json,origin_json FROM audit_log ` + where + ` ORDER BY id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var actor, oldJSON, newJSON, originJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &actor, &e.Action, &e.Entity, &e.EntityID, &oldJSON, &newJSON, &originJSON); err != nil {
			return nil, err
		}
		e.ActorID = stringPtr(actor)
		if oldJSON.Valid {
			e.OldValue = json.RawMessage(oldJSON.String)
		}
		if newJSON.Valid {
			e.NewValue = json.RawMessage(newJSON.String)
		}
		if originJSON.Valid {
			if err := json.Unmarshal([]byte(originJSON.String), &e.Origin); err != nil {
				return nil, err
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
