package events_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"tracer/internal/db"
	"tracer/internal/domain"
	"tracer/internal/events"
	"tracer/internal/migrate"
)

func TestAppendStampsAndMarshals(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	w := events.Writer{DB: conn, Now: func() time.Time {
		return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	}}
	ctx := context.Background()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, tx, domain.Event{
		Type:       "task.created",
		ProjectID:  "p1",
		EntityKind: "task",
		EntityID:   "t1",
		ActorID:    "alice",
	}, events.EventPayload{"title": "Pull cable"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, tx, domain.Event{
		Type:       "user.deleted",
		EntityKind: "user",
		EntityID:   "u1",
		ActorID:    "root",
	}, nil); err != nil {
		t.Fatalf("append without project: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	var ts, payload string
	err = conn.QueryRow(`SELECT ts, payload_json FROM events WHERE type='task.created'`).Scan(&ts, &payload)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if ts != "2025-06-01T09:00:00Z" {
		t.Fatalf("ts = %s", ts)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if decoded["title"] != "Pull cable" {
		t.Fatalf("payload = %v", decoded)
	}

	var projectID sql.NullString
	err = conn.QueryRow(`SELECT project_id FROM events WHERE type='user.deleted'`).Scan(&projectID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if projectID.Valid {
		t.Fatalf("empty project id must store NULL, got %q", projectID.String)
	}
}
