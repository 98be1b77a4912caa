package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tracer/internal/domain"
)

// EventPayload carries the event-specific detail fields.
type EventPayload map[string]any

// Writer appends audit rows inside the caller's transaction, so the event
// and the state change it describes commit or roll back together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append stamps evt with the writer clock and inserts it. The payload map
// is marshaled here; evt.Payload is ignored.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.Event, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evt.Type, nullable(evt.ProjectID), evt.EntityKind, nullable(evt.EntityID), evt.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
