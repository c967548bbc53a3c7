package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	FoundationCreated        = "foundation.created"
	FoundationUpdated        = "foundation.updated"
	FoundationStageChanged   = "foundation.stage_changed"
	FoundationStageCompleted = "foundation.stage_completed"
	FoundationSessionChanged = "foundation.session_changed"
	FoundationDeleted        = "foundation.deleted"
	MessageCreated           = "message.created"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, foundationID, entityKind, entityID, actorID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", evtType, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,foundation_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, nullable(foundationID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
