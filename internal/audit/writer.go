package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"jobflow/internal/domain"
)

// Audit actions.
const (
	ActionCreate       = "CREATE"
	ActionUpdate       = "UPDATE"
	ActionDelete       = "DELETE"
	ActionStatusChange = "STATUS_CHANGE"
	ActionImport       = "IMPORT"
)

// Writer persists audit entries into audit_log.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, e domain.AuditEntry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := e.TS
	if ts == "" {
		ts = w.Now().UTC().Format(time.RFC3339Nano)
	}
	oldJSON, err := marshalOpt(e.OldValue)
	if err != nil {
		return fmt.Errorf("marshal old value: %w", err)
	}
	newJSON, err := marshalOpt(e.NewValue)
	if err != nil {
		return fmt.Errorf("marshal new value: %w", err)
	}
	var originJSON any
	if len(e.Origin) > 0 {
		data, err := json.Marshal(e.Origin)
		if err != nil {
			return fmt.Errorf("marshal origin: %w", err)
		}
		originJSON = string(data)
	}
	var actor any
	if e.ActorID != nil && *e.ActorID != "" {
		actor = *e.ActorID
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_log(ts,actor_id,action,entity,entity_id,old_value_json,new_value_json,origin_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, actor, e.Action, e.Entity, e.EntityID, oldJSON, newJSON, originJSON)
	return err
}

func marshalOpt(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
