package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"jobflow/internal/domain"
)

// RuleSet is the persisted rule configuration.
type RuleSet struct {
	Statuses    []domain.Status
	Transitions []domain.Transition
	Criteria    []domain.Criterion
}

// ImportStats summarises an ImportRulesTx run.
type ImportStats struct {
	Statuses               int `json:"statuses"`
	Transitions            int `json:"transitions"`
	Criteria               int `json:"criteria"`
	DeactivatedStatuses    int `json:"deactivated_statuses"`
	DeactivatedTransitions int `json:"deactivated_transitions"`
	DeactivatedCriteria    int `json:"deactivated_criteria"`
}

func (r Repo) LoadRules(ctx context.Context) (RuleSet, error) {
	var rs RuleSet
	var err error
	if rs.Statuses, err = r.ListStatuses(ctx); err != nil {
		return rs, err
	}
	if rs.Transitions, err = r.ListTransitions(ctx); err != nil {
		return rs, err
	}
	if rs.Criteria, err = r.ListCriteria(ctx); err != nil {
		return rs, err
	}
	return rs, nil
}

func (r Repo) ListStatuses(ctx context.Context) ([]domain.Status, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,label,color,sort_order,active FROM statuses ORDER BY sort_order, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Status
	for rows.Next() {
		var s domain.Status
		if err := rows.Scan(&s.Key, &s.Label, &s.Color, &s.SortOrder, &s.Active); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListTransitions(ctx context.Context) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT from_status,to_status,allowed_roles_json,requires_note,requires_parts,auto_actions_json,active FROM transitions ORDER BY from_status, to_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var rolesJSON, actionsJSON string
		if err := rows.Scan(&t.FromStatus, &t.ToStatus, &rolesJSON, &t.RequiresNote, &t.RequiresParts, &actionsJSON, &t.Active); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rolesJSON), &t.AllowedRoles); err != nil {
			return nil, fmt.Errorf("transition %s->%s roles: %w", t.FromStatus, t.ToStatus, err)
		}
		if err := json.Unmarshal([]byte(actionsJSON), &t.AutoActions); err != nil {
			return nil, fmt.Errorf("transition %s->%s auto actions: %w", t.FromStatus, t.ToStatus, err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListCriteria(ctx context.Context) ([]domain.Criterion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,label,category,max_score,weight,active FROM criteria ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Criterion
	for rows.Next() {
		var c domain.Criterion
		if err := rows.Scan(&c.Key, &c.Label, &c.Category, &c.MaxScore, &c.Weight, &c.Active); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountStatuses reports whether any rules were ever imported.
func (r Repo) CountStatuses(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM statuses`).Scan(&n)
	return n, err
}

// ImportRulesTx upserts rs and deactivates rows it omits. Statuses are never
// deleted since history rows reference them.
func (r Repo) ImportRulesTx(ctx context.Context, tx *sql.Tx, rs RuleSet, now string) (ImportStats, error) {
	var st ImportStats
	statusKeys := make([]any, 0, len(rs.Statuses))
	for _, s := range rs.Statuses {
		if _, err := tx.ExecContext(ctx, `INSERT INTO statuses(key,label,color,sort_order,active,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET label=excluded.label,color=excluded.color,sort_order=excluded.sort_order,active=excluded.active,updated_at=excluded.updated_at`,
			s.Key, s.Label, s.Color, s.SortOrder, boolInt(s.Active), now); err != nil {
			return st, fmt.Errorf("upsert status %s: %w", s.Key, err)
		}
		statusKeys = append(statusKeys, s.Key)
		st.Statuses++
	}
	n, err := deactivateMissing(ctx, tx, "statuses", "key", statusKeys, now)
	if err != nil {
		return st, err
	}
	st.DeactivatedStatuses = n

	edgeKeys := make([]any, 0, len(rs.Transitions))
	for _, t := range rs.Transitions {
		roles, err := marshalJSON(t.AllowedRoles)
		if err != nil {
			return st, err
		}
		actions := t.AutoActions
		if actions == nil {
			actions = []string{}
		}
		actionsJSON, err := marshalJSON(actions)
		if err != nil {
			return st, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO transitions(from_status,to_status,allowed_roles_json,requires_note,requires_parts,auto_actions_json,active,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(from_status,to_status) DO UPDATE SET allowed_roles_json=excluded.allowed_roles_json,requires_note=excluded.requires_note,requires_parts=excluded.requires_parts,auto_actions_json=excluded.auto_actions_json,active=excluded.active,updated_at=excluded.updated_at`,
			t.FromStatus, t.ToStatus, roles, boolInt(t.RequiresNote), boolInt(t.RequiresParts), actionsJSON, boolInt(t.Active), now); err != nil {
			return st, fmt.Errorf("upsert transition %s->%s: %w", t.FromStatus, t.ToStatus, err)
		}
		edgeKeys = append(edgeKeys, t.FromStatus+"->"+t.ToStatus)
		st.Transitions++
	}
	n, err = deactivateMissing(ctx, tx, "transitions", "from_status || '->' || to_status", edgeKeys, now)
	if err != nil {
		return st, err
	}
	st.DeactivatedTransitions = n

	criterionKeys := make([]any, 0, len(rs.Criteria))
	for _, c := range rs.Criteria {
		if _, err := tx.ExecContext(ctx, `INSERT INTO criteria(key,label,category,max_score,weight,active,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET label=excluded.label,category=excluded.category,max_score=excluded.max_score,weight=excluded.weight,active=excluded.active,updated_at=excluded.updated_at`,
			c.Key, c.Label, c.Category, c.MaxScore, c.Weight, boolInt(c.Active), now); err != nil {
			return st, fmt.Errorf("upsert criterion %s: %w", c.Key, err)
		}
		criterionKeys = append(criterionKeys, c.Key)
		st.Criteria++
	}
	n, err = deactivateMissing(ctx, tx, "criteria", "key", criterionKeys, now)
	if err != nil {
		return st, err
	}
	st.DeactivatedCriteria = n
	return st, nil
}

func deactivateMissing(ctx context.Context, tx *sql.Tx, table, keyExpr string, keep []any, now string) (int, error) {
	query := fmt.Sprintf(`UPDATE %s SET active=0, updated_at=? WHERE active=1`, table)
	args := []any{now}
	if len(keep) > 0 {
		query += fmt.Sprintf(` AND %s NOT IN (%s)`, keyExpr, strings.TrimSuffix(strings.Repeat("?,", len(keep)), ","))
		args = append(args, keep...)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deactivate %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
