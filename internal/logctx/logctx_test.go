package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := WithConnData(context.Background(), &ConnData{ConnID: "c1", Kind: "account", UserID: "u1"})
	ctx = WithEventData(ctx, &EventData{Event: "join_room", Room: "r1"})
	log.With("k", "v").InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}

	conn, ok := rec["conn"].(map[string]any)
	if !ok || conn["id"] != "c1" || conn["kind"] != "account" || conn["user_id"] != "u1" {
		t.Fatalf("conn group = %v", rec["conn"])
	}
	ev, ok := rec["event"].(map[string]any)
	if !ok || ev["name"] != "join_room" || ev["room"] != "r1" {
		t.Fatalf("event group = %v", rec["event"])
	}
	if rec["k"] != "v" {
		t.Fatalf("WithAttrs lost: %v", rec)
	}
	if _, ok := rec["req"]; ok {
		t.Fatalf("unexpected req group: %v", rec["req"])
	}
}

func TestEventDataFromAllowsLateRoom(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	if EventDataFrom(context.Background()) != nil {
		t.Fatal("EventDataFrom on empty context is not nil")
	}

	ctx := WithEventData(context.Background(), &EventData{Event: "message"})
	EventDataFrom(ctx).Room = "r2"
	log.InfoContext(ctx, "late")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if ev := rec["event"].(map[string]any); ev["room"] != "r2" {
		t.Fatalf("event group = %v", ev)
	}
}
