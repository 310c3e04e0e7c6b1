package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit rows to the events table. Append always runs inside
// the caller's transaction so an event commits with the transition it records
// or not at all.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, contractID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", evtType, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,contract_id,entity_kind,entity_id,actor_id,payload_json)
		 VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, emptyToNull(contractID), entityKind, emptyToNull(entityID), actorID, string(body))
	return err
}

func emptyToNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
