package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"iotguard/internal/config"
	"iotguard/internal/model"
)

func TestParseJSONNestedPayload(t *testing.T) {
	line := `{"event":"power_reading","role":"user","user_id":"u1","source":"10.0.0.1","timestamp":1700000000.5,"payload":{"device_id":"plug-1","value":42.5}}`
	fields, err := ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Kind != "power_reading" || fields.ActorID != "u1" || fields.SourceID != "10.0.0.1" {
		t.Fatalf("json parse mismatch: %+v", fields)
	}
	if fields.Timestamp != "1700000000.5" {
		t.Fatalf("timestamp: %q", fields.Timestamp)
	}
	if fields.Payload["device_id"] != "plug-1" {
		t.Fatalf("device id: %v", fields.Payload["device_id"])
	}
	if n, ok := fields.Payload["value"].(json.Number); !ok || n.String() != "42.5" {
		t.Fatalf("value: %#v", fields.Payload["value"])
	}
}

func TestParseJSONTopLevelPayloadKeys(t *testing.T) {
	fields, err := ParseLine(`{"kind":"login_attempt","actor_id":"u2","status":"FAILURE","device_id":"hub"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Payload[model.PayloadStatus] != "FAILURE" {
		t.Fatalf("status: %v", fields.Payload[model.PayloadStatus])
	}
	if fields.Payload[model.PayloadDeviceID] != "hub" {
		t.Fatalf("device id: %v", fields.Payload[model.PayloadDeviceID])
	}
}

func TestParseLineSkipsBlankAndComments(t *testing.T) {
	for _, line := range []string{"", "   ", "# replay header"} {
		fields, err := ParseLine(line)
		if err != nil || fields != nil {
			t.Fatalf("line %q: fields=%v err=%v", line, fields, err)
		}
	}
	if _, err := ParseLine("ts=1 kind=reboot"); err != ErrNotJSON {
		t.Fatalf("expected ErrNotJSON, got %v", err)
	}
}

func TestDecodeLine(t *testing.T) {
	cfg := config.DefaultConfig()
	ev, ok, err := DecodeLine(`{"kind":"Login_Attempt","role":"admin","actor_id":"a1","source_id":"s1","timestamp":"2026-02-23T12:34:56Z","status":"Success"}`, cfg)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if ev.Kind != model.KindLoginAttempt || ev.Role != model.RoleAdmin {
		t.Fatalf("event mismatch: %+v", ev)
	}
	if ev.Status() != model.StatusSuccess {
		t.Fatalf("status: %q", ev.Status())
	}
	want := time.Date(2026, 2, 23, 12, 34, 56, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Fatalf("timestamp: %v", ev.Timestamp)
	}

	if _, ok, err := DecodeLine(`{"actor_id":"a1"}`, cfg); ok || err == nil {
		t.Fatalf("expected missing kind error")
	}
}
