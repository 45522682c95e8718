package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	VillageCreated     = "village.created"
	VillageUpdated     = "village.updated"
	VillageDeleted     = "village.deleted"
	UserRegistered     = "user.registered"
	UserCreated        = "user.created"
	OutageCreated      = "outage.created"
	OutageResolved     = "outage.resolved"
	OutageDeleted      = "outage.deleted"
	NotificationFanOut = "notification.fanout"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx, or directly against DB when tx is nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	const q = `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	} else {
		_, err = w.DB.ExecContext(ctx, q, ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
